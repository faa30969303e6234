package redis

import (
	"context"
	"fmt"
	"strings"

	rd "github.com/redis/go-redis/v9"
)

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func newBaseDao(conf Config) *baseDao {
	return &baseDao{
		redisClient: rd.NewUniversalClient(conf.options()),
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

func (bs *baseDao) Ping(ctx context.Context) error {
	return bs.redisClient.Ping(ctx).Err()
}

func (bs *baseDao) Close() error {
	return bs.redisClient.Close()
}
