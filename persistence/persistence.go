package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/nurture/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrLeaseHeld       = errors.New("lease held by another worker")
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type FlowStorage interface {
	// SaveFlow stores def as the next version of its flow and returns the
	// assigned version.
	SaveFlow(ctx context.Context, def *model.FlowDefinition) (int, error)
	GetFlow(ctx context.Context, id string, version int) (*model.FlowDefinition, error)
	GetLatestFlow(ctx context.Context, id string) (*model.FlowDefinition, error)
	// ListFlows returns the latest version of every flow.
	ListFlows(ctx context.Context) ([]*model.FlowDefinition, error)
}

type EnrollmentStorage interface {
	// CreateEnrollment stores e with version 1.
	CreateEnrollment(ctx context.Context, e *model.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	// SaveEnrollment writes e only if the stored version equals
	// expectedVersion, returning ErrVersionConflict otherwise. On success
	// e.Version is expectedVersion+1.
	SaveEnrollment(ctx context.Context, e *model.Enrollment, expectedVersion int64) error
	// FindLive returns ids of non-terminal enrollments of contactId in flowId.
	FindLive(ctx context.Context, flowId string, contactId string) ([]string, error)
	// ListTerminalBefore returns ids of non-archived terminal enrollments last
	// updated before the given time.
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// WaiterIndex maps (event type, contact) to enrollments waiting on it.
type WaiterIndex interface {
	AddWaiter(ctx context.Context, eventType string, contactId string, enrollmentId string) error
	RemoveWaiter(ctx context.Context, eventType string, contactId string, enrollmentId string) error
	FindWaiters(ctx context.Context, eventType string, contactId string) ([]string, error)
}

type LeaseManager interface {
	// Acquire returns a token identifying the holder, or ErrLeaseHeld.
	Acquire(ctx context.Context, enrollmentId string, ttl time.Duration) (string, error)
	Release(ctx context.Context, enrollmentId string, token string) error
}

type ExecutionLog interface {
	Append(ctx context.Context, entries ...model.ExecutionLogEntry) error
	List(ctx context.Context, enrollmentId string) ([]model.ExecutionLogEntry, error)
}

type Counter interface {
	Next(ctx context.Context, key string) (int64, error)
}

// WorkQueue holds scheduled work items per lane and partition, ordered by due
// time. Items are keyed by WorkItem.Key; pushing an existing key replaces it.
type WorkQueue interface {
	Push(ctx context.Context, partition int, item model.WorkItem, at time.Time) error
	Remove(ctx context.Context, partition int, item model.WorkItem) error
	// Claim returns up to limit items due at now and hides them for the
	// visibility timeout. Items not acked by then are claimed again.
	Claim(ctx context.Context, partition int, lane string, now time.Time, limit int, visibility time.Duration) ([]model.WorkItem, error)
	// Ack removes a claimed item unless it was replaced after the claim.
	Ack(ctx context.Context, partition int, item model.WorkItem) error
}
