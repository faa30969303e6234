package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	c "github.com/patrickmn/go-cache"
)

// FlowCache keeps compiled flow versions. Published versions never change, so
// an entry is only dropped when it expires.
type FlowCache struct {
	cache   *c.Cache
	storage persistence.FlowStorage
}

func NewFlowCache(storage persistence.FlowStorage, expiration time.Duration) *FlowCache {
	return &FlowCache{
		cache:   c.New(expiration, 10*time.Minute),
		storage: storage,
	}
}

func key(flowId string, version int) string {
	return fmt.Sprintf("%s:%d", flowId, version)
}

func (ch *FlowCache) Get(ctx context.Context, flowId string, version int) (*flow.Flow, error) {
	if f, found := ch.cache.Get(key(flowId, version)); found {
		return f.(*flow.Flow), nil
	}
	def, err := ch.storage.GetFlow(ctx, flowId, version)
	if err != nil {
		return nil, err
	}
	return ch.put(def.Id, def.Version, def)
}

// Latest always reads the current version from storage since a newer one may
// have been published by another process.
func (ch *FlowCache) Latest(ctx context.Context, flowId string) (*flow.Flow, error) {
	def, err := ch.storage.GetLatestFlow(ctx, flowId)
	if err != nil {
		return nil, err
	}
	if f, found := ch.cache.Get(key(def.Id, def.Version)); found {
		return f.(*flow.Flow), nil
	}
	return ch.put(def.Id, def.Version, def)
}

// Published returns the latest version of every flow.
func (ch *FlowCache) Published(ctx context.Context) ([]*flow.Flow, error) {
	defs, err := ch.storage.ListFlows(ctx)
	if err != nil {
		return nil, err
	}
	flows := make([]*flow.Flow, 0, len(defs))
	for _, def := range defs {
		if f, found := ch.cache.Get(key(def.Id, def.Version)); found {
			flows = append(flows, f.(*flow.Flow))
			continue
		}
		f, err := ch.put(def.Id, def.Version, def)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func (ch *FlowCache) put(flowId string, version int, def *model.FlowDefinition) (*flow.Flow, error) {
	compiled, err := flow.Convert(def)
	if err != nil {
		return nil, err
	}
	ch.cache.SetDefault(key(flowId, version), compiled)
	return compiled, nil
}
