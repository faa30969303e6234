package engine

import (
	"context"
	"time"

	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/model"
)

// step is one invocation of the interpreter against one enrollment. Changes
// accumulate here and are written by commit.
type step struct {
	e        *model.Enrollment
	expected int64
	flow     *flow.Flow
	now      time.Time
	entries  []model.ExecutionLogEntry
	// register runs before the save with the version the save will produce.
	register []func(ctx context.Context, version int64) error
	// cleanup runs after a successful save.
	cleanup  []func(ctx context.Context) error
	dispatch []model.WorkItem
	acted    bool
}

func newStep(e *model.Enrollment, f *flow.Flow, now time.Time) *step {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	return &step{
		e:        e,
		expected: e.Version,
		flow:     f,
		now:      now,
	}
}

func (s *step) record(nodeId string, outcome string, detail string) {
	s.entries = append(s.entries, model.ExecutionLogEntry{
		EnrollmentId: s.e.Id,
		NodeId:       nodeId,
		Timestamp:    s.now,
		Outcome:      outcome,
		Detail:       detail,
	})
}

func (s *step) onRegister(fn func(ctx context.Context, version int64) error) {
	s.register = append(s.register, fn)
}

func (s *step) onCleanup(fn func(ctx context.Context) error) {
	s.cleanup = append(s.cleanup, fn)
}
