package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/util"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const FLOW_KEY string = "FLOW"
const FLOW_INDEX_KEY string = "FLOWS"

type redisFlowDao struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.FlowDefinition]
}

func (rf *redisFlowDao) SaveFlow(ctx context.Context, def *model.FlowDefinition) (int, error) {
	version, err := rf.redisClient.Incr(ctx, rf.getNamespaceKey(FLOW_KEY, def.Id, "version")).Result()
	if err != nil {
		logger.Error("error in allocating flow version", zap.String("flow", def.Id), zap.Error(err))
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	def.Version = int(version)
	def.PublishedAt = time.Now().UTC()
	data, err := rf.encoderDecoder.Encode(*def)
	if err != nil {
		return 0, err
	}
	_, err = rf.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, rf.getNamespaceKey(FLOW_KEY, def.Id), strconv.Itoa(def.Version), data)
		pipe.SAdd(ctx, rf.getNamespaceKey(FLOW_INDEX_KEY), def.Id)
		return nil
	})
	if err != nil {
		logger.Error("error in saving flow", zap.String("flow", def.Id), zap.Error(err))
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return def.Version, nil
}

func (rf *redisFlowDao) GetFlow(ctx context.Context, id string, version int) (*model.FlowDefinition, error) {
	data, err := rf.redisClient.HGet(ctx, rf.getNamespaceKey(FLOW_KEY, id), strconv.Itoa(version)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		logger.Error("error in getting flow", zap.String("flow", id), zap.Int("version", version), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rf.encoderDecoder.Decode([]byte(data))
}

func (rf *redisFlowDao) GetLatestFlow(ctx context.Context, id string) (*model.FlowDefinition, error) {
	v, err := rf.redisClient.Get(ctx, rf.getNamespaceKey(FLOW_KEY, id, "version")).Int()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rf.GetFlow(ctx, id, v)
}

func (rf *redisFlowDao) ListFlows(ctx context.Context) ([]*model.FlowDefinition, error) {
	ids, err := rf.redisClient.SMembers(ctx, rf.getNamespaceKey(FLOW_INDEX_KEY)).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	sort.Strings(ids)
	out := make([]*model.FlowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := rf.GetLatestFlow(ctx, id)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}
