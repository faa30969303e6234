package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence/memory"
	"github.com/stretchr/testify/require"
)

func TestLogFileDataCollector(t *testing.T) {
	file := filepath.Join(t.TempDir(), "audit.log")
	c, err := NewLogFileDataCollector(file)
	require.NoError(t, err)
	c.Record(model.ExecutionLogEntry{EnrollmentId: "e1", NodeId: "welcome", Timestamp: time.Now(), Outcome: model.OUTCOME_ACTION_SUCCESS})
	c.Record(model.ExecutionLogEntry{EnrollmentId: "e1", NodeId: "done", Timestamp: time.Now(), Outcome: model.OUTCOME_COMPLETED})
	require.NoError(t, c.Close())

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, model.OUTCOME_ACTION_SUCCESS, lines[0]["msg"])
	require.Equal(t, "done", lines[1]["node"])
}

func TestMemoryMetrics(t *testing.T) {
	m := NewMemoryMetrics()
	m.Record("f", "ab", "a", "open_rate", 0.31)
	v, err := m.Metric(context.Background(), "f", "ab", "a", "open_rate")
	require.NoError(t, err)
	require.Equal(t, 0.31, v)
	_, err = m.Metric(context.Background(), "f", "ab", "b", "open_rate")
	require.Error(t, err)
}

type recordingCollector struct {
	NopCollector
	entries []model.ExecutionLogEntry
}

func (r *recordingCollector) Record(entry model.ExecutionLogEntry) {
	r.entries = append(r.entries, entry)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	collector := &recordingCollector{}
	log := NewAuditLog(memory.NewStorage(), collector)
	require.NoError(t, log.Append(ctx,
		model.ExecutionLogEntry{EnrollmentId: "e1", NodeId: "a", Outcome: model.OUTCOME_ENROLLED},
		model.ExecutionLogEntry{EnrollmentId: "e1", NodeId: "b", Outcome: model.OUTCOME_BRANCH}))
	entries, err := log.List(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entries, collector.entries)
}
