package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/gateway"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/node"
	"github.com/mohitkumar/nurture/util"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// executeAction calls the gateway for an action node. A step calls at most
// one action; reaching a second one hands the rest to a new step.
func (f *FlowEngine) executeAction(ctx context.Context, s *step, st *flow.Step) (bool, error) {
	e := s.e
	if s.acted {
		nodeId := e.CurrentNodeId
		s.onRegister(func(ctx context.Context, version int64) error {
			item, err := f.scheduler.Schedule(ctx, model.WorkItem{
				Kind:         model.WORK_CONTINUE,
				EnrollmentId: e.Id,
				NodeId:       nodeId,
				Version:      version,
			}, s.now.Add(f.visibility))
			if err != nil {
				return err
			}
			s.dispatch = append(s.dispatch, item)
			return nil
		})
		return false, nil
	}
	s.acted = true

	raw := make(map[string]any)
	if len(st.Node.Config) > 0 {
		if err := json.Unmarshal(st.Node.Config, &raw); err != nil {
			return f.actionFailed(s, st, err.Error()), nil
		}
	}
	req := gateway.Request{
		ActionType:     st.SubType,
		Config:         util.ResolveInputParams(e.Context, raw),
		Context:        e.Context,
		ContactId:      e.ContactId,
		EnrollmentId:   e.Id,
		NodeId:         st.Id,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", e.Id, st.Id, e.LoopGuard),
	}
	res, err := f.gateway.Execute(ctx, req)
	if err == nil && res.Status == gateway.STATUS_FAILED {
		err = &gateway.PermanentError{Err: errors.New(res.Reason)}
	}
	if err != nil {
		if gateway.IsTransient(err) && e.ActionAttempt+1 < f.conf.ActionMaxAttempts {
			f.scheduleRetry(s, st, err)
			return false, nil
		}
		logger.Warn("action failed", zap.String("enrollment", e.Id), zap.String("node", st.Id), zap.String("action", st.SubType), zap.Error(err))
		return f.actionFailed(s, st, err.Error()), nil
	}

	if res.Status == gateway.STATUS_PENDING {
		e.ActionPending = true
		e.ActionAttempt = 0
		at := s.now.Add(f.conf.AsyncGracePeriod)
		s.record(st.Id, model.OUTCOME_ACTION_PENDING, at.Format(time.RFC3339))
		s.onRegister(func(ctx context.Context, version int64) error {
			_, err := f.scheduler.Schedule(ctx, model.WorkItem{
				Kind:         model.WORK_ACTION_RECHECK,
				EnrollmentId: e.Id,
				NodeId:       st.Id,
				Version:      version,
			}, at)
			return err
		})
		return false, nil
	}
	f.applyResult(s, st, res.Delta)
	s.record(st.Id, model.OUTCOME_ACTION_SUCCESS, st.SubType)
	return f.advance(s, model.BRANCH_DEFAULT), nil
}

func (f *FlowEngine) applyResult(s *step, st *flow.Step, delta model.ContextDelta) {
	if delta.IsEmpty() {
		if m, ok := st.Config.(node.Mutator); ok {
			delta = m.ImpliedDelta(s.e.Context)
		}
	}
	applyDelta(s.e.Context, delta)
	s.e.ActionAttempt = 0
}

func (f *FlowEngine) scheduleRetry(s *step, st *flow.Step, cause error) {
	e := s.e
	e.ActionAttempt++
	attempt := e.ActionAttempt
	at := s.now.Add(f.retryDelay(attempt, cause))
	s.record(st.Id, model.OUTCOME_ACTION_RETRY, fmt.Sprintf("attempt %d at %s: %v", attempt+1, at.Format(time.RFC3339), cause))
	s.onRegister(func(ctx context.Context, version int64) error {
		_, err := f.scheduler.Schedule(ctx, model.WorkItem{
			Kind:         model.WORK_ACTION_RETRY,
			EnrollmentId: e.Id,
			NodeId:       st.Id,
			Version:      version,
			Attempt:      attempt,
		}, at)
		return err
	})
}

// retryDelay is the exponential backoff for the given failed attempt, or
// the delay requested by the collaborator.
func (f *FlowEngine) retryDelay(attempt int, cause error) time.Duration {
	var t *gateway.TransientError
	if errors.As(cause, &t) && t.RetryAfter > 0 {
		return t.RetryAfter
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.conf.RetryInitial
	b.MaxInterval = f.conf.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// actionFailed applies the flow's failure policy: fail the enrollment, or
// continue along the "failed" edge falling back to "default".
func (f *FlowEngine) actionFailed(s *step, st *flow.Step, detail string) bool {
	s.record(st.Id, model.OUTCOME_ACTION_FAILED, detail)
	s.e.ActionAttempt = 0
	if s.flow.FailurePolicy() == model.ON_FAILURE_CONTINUE {
		return f.advance(s, model.BRANCH_FAILED)
	}
	f.terminate(s, model.STATUS_FAILED, model.REASON_ACTION_FAILED)
	return false
}

// completeAction resumes an enrollment whose action reported pending.
func (f *FlowEngine) completeAction(s *step, item model.WorkItem) bool {
	e := s.e
	st, ok := s.flow.Step(e.CurrentNodeId)
	if !ok {
		f.terminate(s, model.STATUS_FAILED, model.REASON_MISSING_NODE)
		return false
	}
	e.ActionPending = false
	s.onCleanup(func(ctx context.Context) error {
		return f.scheduler.Cancel(ctx, model.WORK_ACTION_RECHECK, e.Id, "")
	})
	if !cast.ToBool(item.Payload["success"]) {
		return f.actionFailed(s, st, cast.ToString(item.Payload["reason"]))
	}
	f.applyResult(s, st, payloadDelta(item.Payload["delta"]))
	s.record(st.Id, model.OUTCOME_ACTION_SUCCESS, "callback")
	return f.advance(s, model.BRANCH_DEFAULT)
}

// payloadDelta reads a delta carried in a work item payload, which is
// either the struct itself or its decoded JSON form.
func payloadDelta(v any) model.ContextDelta {
	var delta model.ContextDelta
	if v == nil {
		return delta
	}
	data, err := json.Marshal(v)
	if err != nil {
		return delta
	}
	if err := json.Unmarshal(data, &delta); err != nil {
		logger.Warn("ignoring malformed action delta", zap.Error(err))
	}
	return delta
}
