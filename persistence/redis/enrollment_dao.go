package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ENROLLMENT_KEY string = "ENROLLMENT"
const LIVE_KEY string = "LIVE"
const TERMINAL_KEY string = "TERMINAL"
const WAITER_KEY string = "WAITER"

// KEYS: enrollment hash, live set, terminal zset
// ARGV: expected version, new version, data, id, live flag, terminal flag, updated ms
var saveEnrollmentScript = rd.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if ARGV[1] == '0' then
	if current then return 0 end
elseif (not current) or current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
if ARGV[5] == '1' then
	redis.call('SADD', KEYS[2], ARGV[4])
else
	redis.call('SREM', KEYS[2], ARGV[4])
end
if ARGV[6] == '1' then
	redis.call('ZADD', KEYS[3], ARGV[7], ARGV[4])
else
	redis.call('ZREM', KEYS[3], ARGV[4])
end
return 1
`)

type redisEnrollmentDao struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.Enrollment]
}

func (re *redisEnrollmentDao) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	e.Version = 0
	err := re.save(ctx, e, 0)
	if errors.Is(err, persistence.ErrVersionConflict) {
		return persistence.StorageLayerError{Message: "enrollment " + e.Id + " already exists"}
	}
	return err
}

func (re *redisEnrollmentDao) SaveEnrollment(ctx context.Context, e *model.Enrollment, expectedVersion int64) error {
	if expectedVersion <= 0 {
		return persistence.ErrVersionConflict
	}
	return re.save(ctx, e, expectedVersion)
}

func (re *redisEnrollmentDao) save(ctx context.Context, e *model.Enrollment, expectedVersion int64) error {
	next := *e
	next.Version = expectedVersion + 1
	data, err := re.encoderDecoder.Encode(next)
	if err != nil {
		return err
	}
	live, terminal := "1", "0"
	if e.Status.IsTerminal() {
		live = "0"
		if !e.Archived {
			terminal = "1"
		}
	}
	keys := []string{
		re.getNamespaceKey(ENROLLMENT_KEY, e.Id),
		re.getNamespaceKey(LIVE_KEY, e.FlowId, e.ContactId),
		re.getNamespaceKey(TERMINAL_KEY),
	}
	res, err := saveEnrollmentScript.Run(ctx, re.redisClient, keys,
		strconv.FormatInt(expectedVersion, 10), strconv.FormatInt(next.Version, 10), data,
		e.Id, live, terminal, e.UpdatedAt.UnixMilli()).Int()
	if err != nil {
		logger.Error("error in saving enrollment", zap.String("enrollment", e.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if res == 0 {
		return persistence.ErrVersionConflict
	}
	e.Version = next.Version
	return nil
}

func (re *redisEnrollmentDao) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	data, err := re.redisClient.HGet(ctx, re.getNamespaceKey(ENROLLMENT_KEY, id), "data").Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		logger.Error("error in getting enrollment", zap.String("enrollment", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return re.encoderDecoder.Decode([]byte(data))
}

func (re *redisEnrollmentDao) FindLive(ctx context.Context, flowId string, contactId string) ([]string, error) {
	ids, err := re.redisClient.SMembers(ctx, re.getNamespaceKey(LIVE_KEY, flowId, contactId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ids, nil
}

func (re *redisEnrollmentDao) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	ids, err := re.redisClient.ZRangeByScore(ctx, re.getNamespaceKey(TERMINAL_KEY), &rd.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ids, nil
}

func (re *redisEnrollmentDao) AddWaiter(ctx context.Context, eventType string, contactId string, enrollmentId string) error {
	if err := re.redisClient.SAdd(ctx, re.getNamespaceKey(WAITER_KEY, eventType, contactId), enrollmentId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (re *redisEnrollmentDao) RemoveWaiter(ctx context.Context, eventType string, contactId string, enrollmentId string) error {
	if err := re.redisClient.SRem(ctx, re.getNamespaceKey(WAITER_KEY, eventType, contactId), enrollmentId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (re *redisEnrollmentDao) FindWaiters(ctx context.Context, eventType string, contactId string) ([]string, error) {
	ids, err := re.redisClient.SMembers(ctx, re.getNamespaceKey(WAITER_KEY, eventType, contactId)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ids, nil
}
