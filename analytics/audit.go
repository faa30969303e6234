package analytics

import (
	"context"

	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
)

// AuditLog copies every appended entry to a collector after the underlying
// log accepts it.
type AuditLog struct {
	persistence.ExecutionLog
	collector Collector
}

var _ persistence.ExecutionLog = new(AuditLog)

func NewAuditLog(log persistence.ExecutionLog, collector Collector) *AuditLog {
	return &AuditLog{ExecutionLog: log, collector: collector}
}

func (a *AuditLog) Append(ctx context.Context, entries ...model.ExecutionLogEntry) error {
	if err := a.ExecutionLog.Append(ctx, entries...); err != nil {
		return err
	}
	for _, entry := range entries {
		a.collector.Record(entry)
	}
	return nil
}
