package subflow

import (
	"context"
	"testing"
	"time"

	"github.com/mohitkumar/nurture/cluster"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence/memory"
	"github.com/mohitkumar/nurture/scheduler"
	"github.com/stretchr/testify/require"
)

type fakeEnroller struct {
	requests []model.EnrollRequest
}

func (f *fakeEnroller) Create(_ context.Context, req model.EnrollRequest) (*model.Enrollment, model.WorkItem, error) {
	f.requests = append(f.requests, req)
	e := &model.Enrollment{Id: "child-1", FlowId: req.FlowId, ContactId: req.ContactId, ParentId: req.ParentId, Status: model.STATUS_ACTIVE}
	return e, model.WorkItem{Kind: model.WORK_CONTINUE, EnrollmentId: e.Id}, nil
}

func TestStartAndComplete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	queue := memory.NewStorage()
	sched := scheduler.New(queue, cluster.NewRing(cluster.RingConfig{PartitionCount: 1, LocalName: "local"}), time.Minute)
	enroller := &fakeEnroller{}
	c := NewCoordinator(enroller, sched, 3, func() time.Time { return now })

	parent := &model.Enrollment{Id: "parent-1", ContactId: "c1", Context: map[string]any{"contact": map[string]any{"email": "a@b.c"}}}
	child, item, err := c.Start(ctx, "onboarding", parent, true)
	require.NoError(t, err)
	require.Equal(t, "parent-1", child.ParentId)
	require.Equal(t, model.WORK_CONTINUE, item.Kind)
	require.True(t, enroller.requests[0].AllowReentry)
	require.Equal(t, parent.Context, enroller.requests[0].Context)

	_, notified, err := c.Complete(ctx, child)
	require.NoError(t, err)
	require.False(t, notified, "live child does not notify")

	child.Status = model.STATUS_ENDED
	resume, notified, err := c.Complete(ctx, child)
	require.NoError(t, err)
	require.True(t, notified)
	require.Equal(t, "parent-1", resume.EnrollmentId)
	require.Equal(t, "child-1", resume.Ref)
	require.Equal(t, model.BRANCH_ENDED, resume.BranchKey)
	require.Len(t, queue.Pending(), 1)

	detached, _, err := c.Start(ctx, "onboarding", parent, false)
	require.NoError(t, err)
	require.Empty(t, detached.ParentId)
}

func TestStartRefusesPastMaxDepth(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.New(memory.NewStorage(), cluster.NewRing(cluster.RingConfig{PartitionCount: 1, LocalName: "local"}), time.Minute)
	enroller := &fakeEnroller{}
	c := NewCoordinator(enroller, sched, 2, time.Now)

	_, _, err := c.Start(ctx, "nested", &model.Enrollment{Id: "p", ContactId: "c1", Depth: 1}, true)
	require.NoError(t, err)
	require.Equal(t, 2, enroller.requests[0].Depth)

	_, _, err = c.Start(ctx, "nested", &model.Enrollment{Id: "p", ContactId: "c1", Depth: 2}, true)
	require.ErrorIs(t, err, ErrDepthExceeded)
	require.Len(t, enroller.requests, 1)
}

func TestResumeBranch(t *testing.T) {
	require.Equal(t, model.BRANCH_COMPLETED, ResumeBranch(model.STATUS_COMPLETED))
	require.Equal(t, model.BRANCH_ENDED, ResumeBranch(model.STATUS_ENDED))
	require.Equal(t, model.BRANCH_FAILED, ResumeBranch(model.STATUS_FAILED))
}
