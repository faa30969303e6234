package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/persistence"
	rd "github.com/redis/go-redis/v9"
)

const LEASE_KEY string = "LEASE"

var releaseLeaseScript = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisLeaseManager struct {
	*baseDao
}

func (rl *redisLeaseManager) Acquire(ctx context.Context, enrollmentId string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	err := rl.redisClient.SetArgs(ctx, rl.getNamespaceKey(LEASE_KEY, enrollmentId), token, rd.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", persistence.ErrLeaseHeld
		}
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return token, nil
}

func (rl *redisLeaseManager) Release(ctx context.Context, enrollmentId string, token string) error {
	if err := releaseLeaseScript.Run(ctx, rl.redisClient, []string{rl.getNamespaceKey(LEASE_KEY, enrollmentId)}, token).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
