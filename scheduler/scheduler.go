package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/cluster"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"go.uber.org/zap"
)

// Scheduler registers wake-ups for enrollments. Delivery is at least once at
// or after the requested time; callers are responsible for idempotency.
type Scheduler struct {
	queue      persistence.WorkQueue
	ring       *cluster.Ring
	visibility time.Duration
}

func New(queue persistence.WorkQueue, ring *cluster.Ring, visibility time.Duration) *Scheduler {
	return &Scheduler{
		queue:      queue,
		ring:       ring,
		visibility: visibility,
	}
}

func (s *Scheduler) partition(enrollmentId string) int {
	return s.ring.Partition(enrollmentId)
}

// Schedule registers item to be due at the given time, replacing any pending
// registration with the same key. The returned item carries the
// registration token needed to ack it.
func (s *Scheduler) Schedule(ctx context.Context, item model.WorkItem, at time.Time) (model.WorkItem, error) {
	item.Token = uuid.NewString()
	if err := s.queue.Push(ctx, s.partition(item.EnrollmentId), item, at); err != nil {
		return item, err
	}
	logger.Debug("scheduled work item", zap.String("kind", string(item.Kind)), zap.String("enrollment", item.EnrollmentId), zap.Time("at", at))
	return item, nil
}

func (s *Scheduler) ScheduleAt(ctx context.Context, enrollmentId string, nodeId string, version int64, at time.Time) error {
	_, err := s.Schedule(ctx, model.WorkItem{
		Kind:         model.WORK_DELAY_WAKE,
		EnrollmentId: enrollmentId,
		NodeId:       nodeId,
		Version:      version,
	}, at)
	return err
}

func (s *Scheduler) ScheduleTimeout(ctx context.Context, enrollmentId string, nodeId string, version int64, spec *model.WaitEventSpec) error {
	_, err := s.Schedule(ctx, model.WorkItem{
		Kind:         model.WORK_TIMEOUT_EXPIRY,
		EnrollmentId: enrollmentId,
		NodeId:       nodeId,
		Version:      version,
		BranchKey:    model.BRANCH_TIMEOUT,
		Payload:      map[string]any{"eventType": spec.EventType},
	}, spec.Deadline)
	return err
}

// Cancel drops the pending registration of kind for the enrollment.
func (s *Scheduler) Cancel(ctx context.Context, kind model.WorkKind, enrollmentId string, ref string) error {
	item := model.WorkItem{Kind: kind, EnrollmentId: enrollmentId, Ref: ref}
	return s.queue.Remove(ctx, s.partition(enrollmentId), item)
}

func (s *Scheduler) Claim(ctx context.Context, lane string, partition int, now time.Time, limit int) ([]model.WorkItem, error) {
	return s.queue.Claim(ctx, partition, lane, now, limit, s.visibility)
}

func (s *Scheduler) Ack(ctx context.Context, item model.WorkItem) error {
	if item.Token == "" {
		return nil
	}
	return s.queue.Ack(ctx, s.partition(item.EnrollmentId), item)
}

func (s *Scheduler) LocalPartitions() []int {
	return s.ring.LocalPartitions()
}
