package container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/model"
	"github.com/stretchr/testify/require"
)

func TestUninitializedPanics(t *testing.T) {
	require.Panics(t, func() { NewDiContainer().GetFlowStorage() })
}

func TestInitMemoryWithAudit(t *testing.T) {
	conf := config.Default()
	conf.AnalyticsConfig.AuditFile = filepath.Join(t.TempDir(), "audit.log")
	d := NewDiContainer()
	require.NoError(t, d.Init(context.Background(), conf))
	defer d.Close()

	require.IsType(t, &analytics.AuditLog{}, d.GetExecutionLog())
	require.NoError(t, d.GetExecutionLog().Append(context.Background(), model.ExecutionLogEntry{EnrollmentId: "e", Outcome: model.OUTCOME_ENROLLED}))
}

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	conf := config.Default()
	conf.StorageType = config.STORAGE_TYPE_REDIS
	conf.RedisConfig.Addrs = []string{mr.Addr()}
	d := NewDiContainer()
	require.NoError(t, d.Init(context.Background(), conf))
	defer d.Close()

	n, err := d.GetCounter().Next(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
