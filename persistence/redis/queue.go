package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const QUEUE_KEY string = "QUEUE"

// KEYS: due zset, items hash, tokens hash
// ARGV: now ms, invisible-until ms, limit
var claimScript = rd.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, key in ipairs(keys) do
	local item = redis.call('HGET', KEYS[2], key)
	if item then
		redis.call('ZADD', KEYS[1], ARGV[2], key)
		table.insert(out, item)
	else
		redis.call('ZREM', KEYS[1], key)
	end
end
return out
`)

// KEYS: due zset, items hash, tokens hash
// ARGV: item key, token
var ackScript = rd.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) == ARGV[2] then
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	return 1
end
return 0
`)

type redisWorkQueue struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.WorkItem]
}

func (rq *redisWorkQueue) keys(lane string, partition int) []string {
	p := strconv.Itoa(partition)
	return []string{
		rq.getNamespaceKey(QUEUE_KEY, lane, p),
		rq.getNamespaceKey(QUEUE_KEY, lane, p, "items"),
		rq.getNamespaceKey(QUEUE_KEY, lane, p, "tokens"),
	}
}

func (rq *redisWorkQueue) Push(ctx context.Context, partition int, item model.WorkItem, at time.Time) error {
	if item.Token == "" {
		item.Token = uuid.NewString()
	}
	data, err := rq.encoderDecoder.Encode(item)
	if err != nil {
		return err
	}
	keys := rq.keys(item.Kind.Lane(), partition)
	key := item.Key()
	_, err = rq.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.ZAdd(ctx, keys[0], rd.Z{Score: float64(at.UnixMilli()), Member: key})
		pipe.HSet(ctx, keys[1], key, data)
		pipe.HSet(ctx, keys[2], key, item.Token)
		return nil
	})
	if err != nil {
		logger.Error("error while pushing work item", zap.String("queue", keys[0]), zap.String("key", key), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisWorkQueue) Remove(ctx context.Context, partition int, item model.WorkItem) error {
	keys := rq.keys(item.Kind.Lane(), partition)
	key := item.Key()
	_, err := rq.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.ZRem(ctx, keys[0], key)
		pipe.HDel(ctx, keys[1], key)
		pipe.HDel(ctx, keys[2], key)
		return nil
	})
	if err != nil {
		logger.Error("error while removing work item", zap.String("queue", keys[0]), zap.String("key", key), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisWorkQueue) Claim(ctx context.Context, partition int, lane string, now time.Time, limit int, visibility time.Duration) ([]model.WorkItem, error) {
	keys := rq.keys(lane, partition)
	res, err := claimScript.Run(ctx, rq.redisClient, keys,
		now.UnixMilli(), now.Add(visibility).UnixMilli(), limit).StringSlice()
	if err != nil {
		logger.Error("error while claiming work items", zap.String("queue", keys[0]), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	items := make([]model.WorkItem, 0, len(res))
	for _, data := range res {
		item, err := rq.encoderDecoder.Decode([]byte(data))
		if err != nil {
			logger.Error("dropping undecodable work item", zap.String("queue", keys[0]), zap.Error(err))
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (rq *redisWorkQueue) Ack(ctx context.Context, partition int, item model.WorkItem) error {
	keys := rq.keys(item.Kind.Lane(), partition)
	if err := ackScript.Run(ctx, rq.redisClient, keys, item.Key(), item.Token).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
