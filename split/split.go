package split

import (
	"context"
	"fmt"

	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/node"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// Selector picks the branch of a split node.
type Selector struct {
	counter persistence.Counter
	metrics analytics.MetricSource
}

func NewSelector(counter persistence.Counter, metrics analytics.MetricSource) *Selector {
	return &Selector{counter: counter, metrics: metrics}
}

// Random picks a weighted branch from a seed derived from the enrollment and
// node, so the same enrollment always takes the same branch.
func Random(cfg *node.RandomSplitConfig, enrollmentId string, nodeId string) string {
	bucket := int(murmur3.Sum32([]byte(enrollmentId+":"+nodeId)) % 100)
	cumulative := 0
	for _, b := range cfg.Branches {
		cumulative += b.Weight
		if bucket < cumulative {
			return b.Key
		}
	}
	return cfg.Branches[len(cfg.Branches)-1].Key
}

func (s *Selector) next(ctx context.Context, flowId string, nodeId string) (int64, error) {
	return s.counter.Next(ctx, fmt.Sprintf("split:%s:%s", flowId, nodeId))
}

// Even rotates through the branches with a counter shared by every
// enrollment passing the node.
func (s *Selector) Even(ctx context.Context, cfg *node.EvenSplitConfig, flowId string, nodeId string) (string, error) {
	n, err := s.next(ctx, flowId, nodeId)
	if err != nil {
		return "", err
	}
	return cfg.Branches[(n-1)%int64(len(cfg.Branches))], nil
}

// Multivariate rotates evenly until the sample threshold is reached, then
// sends the configured share to the variant with the best metric and rotates
// the remainder among the others. Without metrics it keeps rotating evenly.
func (s *Selector) Multivariate(ctx context.Context, cfg *node.MultivariateConfig, flowId string, nodeId string) (string, error) {
	n, err := s.next(ctx, flowId, nodeId)
	if err != nil {
		return "", err
	}
	even := cfg.Variants[(n-1)%int64(len(cfg.Variants))]
	if n <= int64(cfg.SampleThreshold) || s.metrics == nil {
		return even, nil
	}
	winner := -1
	best := 0.0
	for i, v := range cfg.Variants {
		m, err := s.metrics.Metric(ctx, flowId, nodeId, v, cfg.Metric)
		if err != nil {
			logger.Warn("variant metric unavailable, keeping even rotation", zap.String("node", nodeId), zap.String("variant", v), zap.Error(err))
			return even, nil
		}
		if winner < 0 || m > best {
			winner, best = i, m
		}
	}
	slot := (n - 1) % 100
	if slot < int64(cfg.Allocation()) {
		return cfg.Variants[winner], nil
	}
	others := make([]string, 0, len(cfg.Variants)-1)
	for i, v := range cfg.Variants {
		if i != winner {
			others = append(others, v)
		}
	}
	return others[(n-1)%int64(len(others))], nil
}
