package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/model"
	"github.com/stretchr/testify/require"
)

func TestExecutionLog(t *testing.T) {
	dsn := os.Getenv("NURTURE_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("NURTURE_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	log, err := New(ctx, dsn)
	require.NoError(t, err)
	defer log.Close()

	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, log.Append(ctx,
		model.ExecutionLogEntry{EnrollmentId: id, NodeId: "trigger", Timestamp: now, Outcome: model.OUTCOME_ENROLLED},
		model.ExecutionLogEntry{EnrollmentId: id, NodeId: "done", Timestamp: now, Outcome: model.OUTCOME_COMPLETED, Detail: "end_flow"},
	))

	entries, err := log.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "done", entries[1].NodeId)
	require.Equal(t, "end_flow", entries[1].Detail)
	require.True(t, now.Equal(entries[0].Timestamp))
}
