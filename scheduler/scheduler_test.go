package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohitkumar/nurture/cluster"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/persistence/memory"
	"github.com/mohitkumar/nurture/persistence/redis"
	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	for backend, newQueue := range map[string]func(t *testing.T) persistence.WorkQueue{
		"memory": func(t *testing.T) persistence.WorkQueue { return memory.NewStorage() },
		"redis": func(t *testing.T) persistence.WorkQueue {
			mr := miniredis.RunT(t)
			return redis.NewStorage(redis.Config{Addrs: []string{mr.Addr()}, Namespace: "sched"}).Queue
		},
	} {
		t.Run(backend, func(t *testing.T) {
			ring := cluster.NewRing(cluster.RingConfig{PartitionCount: 4, LocalName: "local"})
			s := New(newQueue(t), ring, time.Minute)
			testScheduleAndClaim(t, s)
		})
	}
}

func claimAll(t *testing.T, s *Scheduler, lane string, now time.Time) []model.WorkItem {
	var out []model.WorkItem
	for _, p := range s.LocalPartitions() {
		items, err := s.Claim(context.Background(), lane, p, now, 100)
		require.NoError(t, err)
		out = append(out, items...)
	}
	return out
}

func testScheduleAndClaim(t *testing.T, s *Scheduler) {
	ctx := context.Background()
	now := time.Now()
	spec := &model.WaitEventSpec{EventType: model.EVENT_EMAIL_CLICK, Deadline: now.Add(48 * time.Hour)}

	require.NoError(t, s.ScheduleAt(ctx, "e1", "wait", 2, now.Add(24*time.Hour)))
	require.NoError(t, s.ScheduleTimeout(ctx, "e2", "wait_click", 5, spec))

	require.Empty(t, claimAll(t, s, model.LANE_DELAY, now))
	due := claimAll(t, s, model.LANE_DELAY, now.Add(25*time.Hour))
	require.Len(t, due, 1)
	require.Equal(t, model.WORK_DELAY_WAKE, due[0].Kind)
	require.Equal(t, int64(2), due[0].Version)
	require.NoError(t, s.Ack(ctx, due[0]))

	// the timeout is cancelled before it fires
	require.NoError(t, s.Cancel(ctx, model.WORK_TIMEOUT_EXPIRY, "e2", ""))
	require.Empty(t, claimAll(t, s, model.LANE_TIMEOUT, now.Add(49*time.Hour)))

	// rescheduling replaces the earlier registration
	_, err := s.Schedule(ctx, model.WorkItem{Kind: model.WORK_ACTION_RETRY, EnrollmentId: "e3", Attempt: 1}, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, model.WorkItem{Kind: model.WORK_ACTION_RETRY, EnrollmentId: "e3", Attempt: 2}, now.Add(2*time.Minute))
	require.NoError(t, err)
	retries := claimAll(t, s, model.LANE_RETRY, now.Add(time.Hour))
	require.Len(t, retries, 1)
	require.Equal(t, 2, retries[0].Attempt)
}
