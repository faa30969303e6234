package analytics

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohitkumar/nurture/model"
)

// MetricSource reports the tracked metric of a multivariate variant, such as
// its open or click rate.
type MetricSource interface {
	Metric(ctx context.Context, flowId string, nodeId string, variant string, metric string) (float64, error)
}

// Collector receives every execution log entry for offline analysis.
type Collector interface {
	Record(entry model.ExecutionLogEntry)
	Close() error
}

type NopCollector struct{}

func (NopCollector) Record(model.ExecutionLogEntry) {}
func (NopCollector) Close() error                   { return nil }

// MemoryMetrics holds variant metrics reported by the analytics service.
type MemoryMetrics struct {
	mu      sync.RWMutex
	metrics map[string]float64
}

var _ MetricSource = new(MemoryMetrics)

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{metrics: make(map[string]float64)}
}

func metricKey(flowId, nodeId, variant, metric string) string {
	return fmt.Sprintf("%s/%s/%s/%s", flowId, nodeId, variant, metric)
}

func (m *MemoryMetrics) Record(flowId string, nodeId string, variant string, metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metricKey(flowId, nodeId, variant, metric)] = value
}

func (m *MemoryMetrics) Metric(_ context.Context, flowId string, nodeId string, variant string, metric string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.metrics[metricKey(flowId, nodeId, variant, metric)]
	if !ok {
		return 0, fmt.Errorf("no %s reported for variant %s of node %s", metric, variant, nodeId)
	}
	return v, nil
}
