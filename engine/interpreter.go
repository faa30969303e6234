package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mohitkumar/nurture/condition"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/node"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/split"
	"github.com/mohitkumar/nurture/subflow"
	"go.uber.org/zap"
)

// Handle runs one work item. Items that no longer apply are acknowledged
// without touching the enrollment. Items that could not be run are left
// registered and come back after their visibility timeout.
func (f *FlowEngine) Handle(ctx context.Context, item model.WorkItem) error {
	token, err := f.leases.Acquire(ctx, item.EnrollmentId, f.conf.LeaseTTL)
	if errors.Is(err, persistence.ErrLeaseHeld) {
		logger.Debug("enrollment is leased, leaving item for redelivery", zap.String("enrollment", item.EnrollmentId), zap.String("kind", string(item.Kind)))
		return nil
	}
	if err != nil {
		return err
	}
	defer f.release(item.EnrollmentId, token)

	done, err := f.process(ctx, item)
	if errors.Is(err, persistence.ErrVersionConflict) {
		logger.Warn("enrollment changed during step, leaving item for redelivery", zap.String("enrollment", item.EnrollmentId))
		return nil
	}
	if err != nil {
		return err
	}
	if done {
		return f.scheduler.Ack(ctx, item)
	}
	return nil
}

func (f *FlowEngine) process(ctx context.Context, item model.WorkItem) (bool, error) {
	e, err := f.enrollments.GetEnrollment(ctx, item.EnrollmentId)
	if errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("work item for unknown enrollment", zap.String("enrollment", item.EnrollmentId))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if reason := applicable(e, item); reason != "" {
		logger.Debug("work item no longer applies", zap.String("enrollment", e.Id), zap.String("kind", string(item.Kind)), zap.String("reason", reason))
		return true, nil
	}
	fl, err := f.flows.Get(ctx, e.FlowId, e.FlowVersion)
	if err != nil {
		return false, err
	}
	s := newStep(e, fl, f.now())
	if err := f.resume(ctx, s, item); err != nil {
		return false, err
	}
	return true, f.commit(ctx, s)
}

// applicable returns why item does not apply to e, or "" when it does.
func applicable(e *model.Enrollment, item model.WorkItem) string {
	if e.Status.IsTerminal() {
		return "enrollment is " + string(e.Status)
	}
	if item.NodeId != "" && item.NodeId != e.CurrentNodeId {
		return "enrollment moved to " + e.CurrentNodeId
	}
	expect := func(status model.EnrollmentStatus, checkVersion bool) string {
		if e.Status != status {
			return "enrollment is " + string(e.Status)
		}
		if checkVersion && e.Version != item.Version {
			return fmt.Sprintf("version %d superseded by %d", item.Version, e.Version)
		}
		return ""
	}
	switch item.Kind {
	case model.WORK_CONTINUE:
		if e.ActionPending {
			return "action pending"
		}
		return expect(model.STATUS_ACTIVE, true)
	case model.WORK_DELAY_WAKE:
		return expect(model.STATUS_WAITING_DELAY, true)
	case model.WORK_TIMEOUT_EXPIRY:
		return expect(model.STATUS_WAITING_EVENT, true)
	case model.WORK_EVENT_MATCH:
		if r := expect(model.STATUS_WAITING_EVENT, false); r != "" {
			return r
		}
		if e.WaitEvent == nil || item.OccurredAt.Before(e.WaitEvent.StartedAt) {
			return "event precedes the wait"
		}
		if item.Ref != "" && slices.Contains(e.WaitEvent.Counted, item.Ref) {
			return "event " + item.Ref + " already counted"
		}
	case model.WORK_SUBFLOW_COMPLETION:
		if r := expect(model.STATUS_WAITING_SUBFLOW, false); r != "" {
			return r
		}
		if e.ChildId != item.Ref {
			return "not the awaited child"
		}
	case model.WORK_ACTION_RETRY:
		if r := expect(model.STATUS_ACTIVE, true); r != "" {
			return r
		}
		if e.ActionAttempt != item.Attempt {
			return "stale retry"
		}
	case model.WORK_ACTION_RECHECK, model.WORK_ACTION_CALLBACK:
		if r := expect(model.STATUS_ACTIVE, item.Kind == model.WORK_ACTION_RECHECK); r != "" {
			return r
		}
		if !e.ActionPending {
			return "no action pending"
		}
	default:
		return "unknown work kind " + string(item.Kind)
	}
	return ""
}

// resume applies item to the enrollment and runs on from there.
func (f *FlowEngine) resume(ctx context.Context, s *step, item model.WorkItem) error {
	e := s.e
	switch item.Kind {
	case model.WORK_CONTINUE, model.WORK_ACTION_RETRY:
		return f.run(ctx, s)
	case model.WORK_DELAY_WAKE:
		s.record(e.CurrentNodeId, model.OUTCOME_RESUMED, string(model.STATUS_ACTIVE))
		e.Status = model.STATUS_ACTIVE
		e.ResumeAt = nil
		if !f.advance(s, model.BRANCH_DEFAULT) {
			return nil
		}
	case model.WORK_EVENT_MATCH:
		spec := e.WaitEvent
		spec.Received++
		if item.Ref != "" {
			spec.Counted = append(spec.Counted, item.Ref)
		}
		s.record(e.CurrentNodeId, model.OUTCOME_EVENT_RECEIVED, fmt.Sprintf("%v %d/%d", item.Payload["type"], spec.Received, max(spec.MinCount, 1)))
		if spec.Received < spec.MinCount {
			// the timeout is bound to the version, move it along
			nodeId := e.CurrentNodeId
			s.onRegister(func(ctx context.Context, version int64) error {
				return f.scheduler.ScheduleTimeout(ctx, e.Id, nodeId, version, spec)
			})
			return nil
		}
		e.Context["lastEvent"] = item.Payload
		f.clearWait(s)
		if !f.advance(s, model.BRANCH_EVENT) {
			return nil
		}
	case model.WORK_TIMEOUT_EXPIRY:
		s.record(e.CurrentNodeId, model.OUTCOME_TIMEOUT, "")
		f.clearWait(s)
		if !f.advance(s, model.BRANCH_TIMEOUT) {
			return nil
		}
	case model.WORK_SUBFLOW_COMPLETION:
		s.record(e.CurrentNodeId, model.OUTCOME_SUBFLOW_RESUMED, fmt.Sprintf("child %s %s", item.Ref, item.BranchKey))
		e.Status = model.STATUS_ACTIVE
		e.ChildId = ""
		if !f.advance(s, item.BranchKey) {
			return nil
		}
	case model.WORK_ACTION_RECHECK:
		s.record(e.CurrentNodeId, model.OUTCOME_ACTION_STALLED, "")
		e.ActionPending = false
		if !f.advance(s, model.BRANCH_DEFAULT) {
			return nil
		}
	case model.WORK_ACTION_CALLBACK:
		if !f.completeAction(s, item) {
			return nil
		}
	}
	return f.run(ctx, s)
}

// clearWait drops the registrations of a wait_event node once it resolves.
func (f *FlowEngine) clearWait(s *step) {
	e := s.e
	if spec := e.WaitEvent; spec != nil {
		s.onCleanup(func(ctx context.Context) error {
			return f.waiters.RemoveWaiter(ctx, spec.EventType, e.ContactId, e.Id)
		})
		s.onCleanup(func(ctx context.Context) error {
			return f.scheduler.Cancel(ctx, model.WORK_TIMEOUT_EXPIRY, e.Id, "")
		})
	}
	e.WaitEvent = nil
	e.Status = model.STATUS_ACTIVE
}

// advance follows the edge for key out of the current node. A missing edge
// fails the enrollment.
func (f *FlowEngine) advance(s *step, key string) bool {
	to, ok := s.flow.Next(s.e.CurrentNodeId, key)
	if !ok {
		f.terminate(s, model.STATUS_FAILED, model.REASON_NO_BRANCH)
		return false
	}
	s.e.CurrentNodeId = to
	return true
}

// run executes nodes until the enrollment waits, terminates or reaches a
// second action.
func (f *FlowEngine) run(ctx context.Context, s *step) error {
	for s.e.Status == model.STATUS_ACTIVE {
		st, ok := s.flow.Step(s.e.CurrentNodeId)
		if !ok {
			f.terminate(s, model.STATUS_FAILED, model.REASON_MISSING_NODE)
			return nil
		}
		next, err := f.execute(ctx, s, st)
		if err != nil {
			return err
		}
		if !next {
			return nil
		}
	}
	return nil
}

func (f *FlowEngine) execute(ctx context.Context, s *step, st *flow.Step) (bool, error) {
	e := s.e
	switch cfg := st.Config.(type) {
	case *node.TriggerConfig:
		return f.advance(s, model.BRANCH_DEFAULT), nil
	case *node.IfElseConfig:
		return f.branch(s, st, condition.IfElse(cfg.Group, f.conditionInput(s))), nil
	case *node.MultiBranchConfig:
		return f.branch(s, st, condition.MultiBranch(cfg.Branches, f.conditionInput(s))), nil
	case *node.RandomSplitConfig:
		return f.branch(s, st, split.Random(cfg, e.Id, st.Id)), nil
	case *node.EvenSplitConfig:
		key, err := f.splits.Even(ctx, cfg, e.FlowId, st.Id)
		if err != nil {
			return false, err
		}
		return f.branch(s, st, key), nil
	case *node.MultivariateConfig:
		key, err := f.splits.Multivariate(ctx, cfg, e.FlowId, st.Id)
		if err != nil {
			return false, err
		}
		return f.branch(s, st, key), nil
	case *node.WaitDelayConfig:
		at := cfg.ResumeAt(s.now)
		e.Status = model.STATUS_WAITING_DELAY
		e.ResumeAt = &at
		s.record(st.Id, model.OUTCOME_WAITING_DELAY, at.Format(time.RFC3339))
		s.onRegister(func(ctx context.Context, version int64) error {
			return f.scheduler.ScheduleAt(ctx, e.Id, st.Id, version, at)
		})
		return false, nil
	case *node.WaitEventConfig:
		spec := cfg.Spec(s.now)
		e.Status = model.STATUS_WAITING_EVENT
		e.WaitEvent = spec
		s.record(st.Id, model.OUTCOME_WAITING_EVENT, fmt.Sprintf("%s until %s", spec.EventType, spec.Deadline.Format(time.RFC3339)))
		s.onRegister(func(ctx context.Context, version int64) error {
			if err := f.waiters.AddWaiter(ctx, spec.EventType, e.ContactId, e.Id); err != nil {
				return err
			}
			return f.scheduler.ScheduleTimeout(ctx, e.Id, st.Id, version, spec)
		})
		return false, nil
	case *node.GotoConfig:
		e.LoopGuard++
		if limit := s.flow.LoopLimit(f.conf.LoopLimit); e.LoopGuard > limit {
			f.terminate(s, model.STATUS_FAILED, model.REASON_LOOP_LIMIT_EXCEEDED)
			return false, nil
		}
		s.record(st.Id, model.OUTCOME_GOTO, cfg.Target)
		e.CurrentNodeId = cfg.Target
		return true, nil
	case *node.SubflowConfig:
		return f.startSubflow(ctx, s, st, cfg)
	case *node.EndFlowConfig:
		reason := cfg.Reason
		if reason == "" {
			reason = model.REASON_END_FLOW
		}
		f.terminate(s, model.STATUS_COMPLETED, reason)
		return false, nil
	default:
		if st.Kind == model.KIND_ACTION {
			return f.executeAction(ctx, s, st)
		}
		f.terminate(s, model.STATUS_FAILED, model.REASON_MISSING_NODE)
		return false, nil
	}
}

func (f *FlowEngine) conditionInput(s *step) condition.Input {
	return condition.Input{Data: s.e.Context, Now: s.now, AccountTimezone: f.conf.AccountTimezone}
}

func (f *FlowEngine) branch(s *step, st *flow.Step, key string) bool {
	s.record(st.Id, model.OUTCOME_BRANCH, key)
	return f.advance(s, key)
}

func (f *FlowEngine) startSubflow(ctx context.Context, s *step, st *flow.Step, cfg *node.SubflowConfig) (bool, error) {
	e := s.e
	child, item, err := f.subflows.Start(ctx, cfg.FlowId, e, cfg.WaitForCompletion)
	if errors.Is(err, persistence.ErrNotFound) {
		s.record(st.Id, model.OUTCOME_FAILED, err.Error())
		f.terminate(s, model.STATUS_FAILED, model.REASON_SUBFLOW_FAILED)
		return false, nil
	}
	if errors.Is(err, subflow.ErrDepthExceeded) {
		s.record(st.Id, model.OUTCOME_FAILED, err.Error())
		f.terminate(s, model.STATUS_FAILED, model.REASON_SUBFLOW_DEPTH)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// the child runs only once the parent's state is saved
	s.dispatch = append(s.dispatch, item)
	s.record(st.Id, model.OUTCOME_SUBFLOW_STARTED, child.Id)
	if cfg.WaitForCompletion {
		e.Status = model.STATUS_WAITING_SUBFLOW
		e.ChildId = child.Id
		s.record(st.Id, model.OUTCOME_WAITING_SUBFLOW, child.Id)
		return false, nil
	}
	return f.advance(s, model.BRANCH_DEFAULT), nil
}

// terminate ends the enrollment and drops whatever it was waiting on.
func (f *FlowEngine) terminate(s *step, status model.EnrollmentStatus, reason string) {
	e := s.e
	switch {
	case e.Status == model.STATUS_WAITING_EVENT:
		f.clearWait(s)
	case e.Status == model.STATUS_WAITING_DELAY:
		s.onCleanup(func(ctx context.Context) error {
			return f.scheduler.Cancel(ctx, model.WORK_DELAY_WAKE, e.Id, "")
		})
	case e.ActionPending:
		s.onCleanup(func(ctx context.Context) error {
			return f.scheduler.Cancel(ctx, model.WORK_ACTION_RECHECK, e.Id, "")
		})
	case e.ActionAttempt > 0:
		s.onCleanup(func(ctx context.Context) error {
			return f.scheduler.Cancel(ctx, model.WORK_ACTION_RETRY, e.Id, "")
		})
	}
	e.Status = status
	e.EndReason = reason
	e.ResumeAt = nil
	e.WaitEvent = nil
	e.ActionPending = false
	e.ActionAttempt = 0
	outcome := model.OUTCOME_COMPLETED
	switch status {
	case model.STATUS_ENDED:
		outcome = model.OUTCOME_ENDED
	case model.STATUS_FAILED:
		outcome = model.OUTCOME_FAILED
	}
	s.record(e.CurrentNodeId, outcome, reason)
}

// commit registers pending work, saves the enrollment with a version check
// and then performs cancellations and dispatches.
func (f *FlowEngine) commit(ctx context.Context, s *step) error {
	version := s.expected + 1
	for _, fn := range s.register {
		if err := fn(ctx, version); err != nil {
			return err
		}
	}
	s.e.UpdatedAt = s.now
	if err := f.enrollments.SaveEnrollment(ctx, s.e, s.expected); err != nil {
		return err
	}
	for _, fn := range s.cleanup {
		if err := fn(ctx); err != nil {
			logger.Warn("error dropping stale registration", zap.String("enrollment", s.e.Id), zap.Error(err))
		}
	}
	if err := f.log.Append(ctx, s.entries...); err != nil {
		logger.Error("error appending execution log", zap.String("enrollment", s.e.Id), zap.Error(err))
	}
	if s.e.Status.IsTerminal() {
		logger.Info("enrollment finished", zap.String("enrollment", s.e.Id), zap.String("status", string(s.e.Status)), zap.String("reason", s.e.EndReason))
		item, ok, err := f.subflows.Complete(ctx, s.e)
		if err != nil {
			logger.Error("error notifying parent enrollment", zap.String("enrollment", s.e.Id), zap.String("parent", s.e.ParentId), zap.Error(err))
		} else if ok {
			s.dispatch = append(s.dispatch, item)
		}
	}
	for _, item := range s.dispatch {
		f.dispatcher.Dispatch(item)
	}
	return nil
}
