package subflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/scheduler"
	"go.uber.org/zap"
)

var ErrDepthExceeded = errors.New("subflow depth exceeded")

// Enroller creates an enrollment and registers its first step without
// dispatching it.
type Enroller interface {
	Create(ctx context.Context, req model.EnrollRequest) (*model.Enrollment, model.WorkItem, error)
}

// Coordinator starts child enrollments and notifies waiting parents when a
// child terminates.
type Coordinator struct {
	enroller  Enroller
	scheduler *scheduler.Scheduler
	maxDepth  int
	now       func() time.Time
}

func NewCoordinator(enroller Enroller, scheduler *scheduler.Scheduler, maxDepth int, now func() time.Time) *Coordinator {
	return &Coordinator{
		enroller:  enroller,
		scheduler: scheduler,
		maxDepth:  maxDepth,
		now:       now,
	}
}

// Start creates a child enrollment of flowId for the parent's contact. When
// wait is set the child records the parent so its termination resumes it.
// A child deeper than the configured limit is not created.
func (c *Coordinator) Start(ctx context.Context, flowId string, parent *model.Enrollment, wait bool) (*model.Enrollment, model.WorkItem, error) {
	if c.maxDepth > 0 && parent.Depth >= c.maxDepth {
		return nil, model.WorkItem{}, fmt.Errorf("starting subflow %s at depth %d: %w", flowId, parent.Depth+1, ErrDepthExceeded)
	}
	req := model.EnrollRequest{
		FlowId:       flowId,
		ContactId:    parent.ContactId,
		Context:      parent.Context,
		Depth:        parent.Depth + 1,
		AllowReentry: true,
	}
	if wait {
		req.ParentId = parent.Id
	}
	child, item, err := c.enroller.Create(ctx, req)
	if err != nil {
		return nil, item, fmt.Errorf("starting subflow %s: %w", flowId, err)
	}
	logger.Info("subflow started", zap.String("parent", parent.Id), zap.String("child", child.Id), zap.String("flow", flowId), zap.Bool("wait", wait))
	return child, item, nil
}

// Complete registers the parent's resumption for a terminated child. It
// returns false when the child has no waiting parent.
func (c *Coordinator) Complete(ctx context.Context, child *model.Enrollment) (model.WorkItem, bool, error) {
	if child.ParentId == "" || !child.Status.IsTerminal() {
		return model.WorkItem{}, false, nil
	}
	item, err := c.scheduler.Schedule(ctx, model.WorkItem{
		Kind:         model.WORK_SUBFLOW_COMPLETION,
		EnrollmentId: child.ParentId,
		Ref:          child.Id,
		BranchKey:    ResumeBranch(child.Status),
		OccurredAt:   c.now(),
		Payload:      map[string]any{"endReason": child.EndReason, "childStatus": string(child.Status)},
	}, c.now())
	if err != nil {
		return item, false, err
	}
	return item, true, nil
}

// ResumeBranch maps a child's terminal status onto the parent's branch key.
func ResumeBranch(status model.EnrollmentStatus) string {
	switch status {
	case model.STATUS_COMPLETED:
		return model.BRANCH_COMPLETED
	case model.STATUS_ENDED:
		return model.BRANCH_ENDED
	default:
		return model.BRANCH_FAILED
	}
}
