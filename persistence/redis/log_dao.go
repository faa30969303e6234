package redis

import (
	"context"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
	"go.uber.org/zap"
)

const LOG_KEY string = "LOG"
const COUNTER_KEY string = "COUNTER"

type redisExecutionLog struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.ExecutionLogEntry]
}

func (rl *redisExecutionLog) Append(ctx context.Context, entries ...model.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := rl.redisClient.Pipeline()
	for _, entry := range entries {
		data, err := rl.encoderDecoder.Encode(entry)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, rl.getNamespaceKey(LOG_KEY, entry.EnrollmentId), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error in appending execution log", zap.String("enrollment", entries[0].EnrollmentId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rl *redisExecutionLog) List(ctx context.Context, enrollmentId string) ([]model.ExecutionLogEntry, error) {
	items, err := rl.redisClient.LRange(ctx, rl.getNamespaceKey(LOG_KEY, enrollmentId), 0, -1).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.ExecutionLogEntry, 0, len(items))
	for _, item := range items {
		entry, err := rl.encoderDecoder.Decode([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

type redisCounter struct {
	*baseDao
}

func (rc *redisCounter) Next(ctx context.Context, key string) (int64, error) {
	n, err := rc.redisClient.Incr(ctx, rc.getNamespaceKey(COUNTER_KEY, key)).Result()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return n, nil
}
