package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/cache"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/container"
	"github.com/mohitkumar/nurture/gateway"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"github.com/mohitkumar/nurture/scheduler"
	"github.com/mohitkumar/nurture/split"
	"github.com/mohitkumar/nurture/subflow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyEnrolled = errors.New("contact already enrolled in flow")
	ErrTerminal        = errors.New("enrollment already terminated")
	ErrNotPending      = errors.New("no pending action at node")
)

// FlowEngine runs enrollments through their flows. Every mutation of an
// enrollment happens in Handle under the enrollment's lease.
type FlowEngine struct {
	enrollments persistence.EnrollmentStorage
	waiters     persistence.WaiterIndex
	leases      persistence.LeaseManager
	log         persistence.ExecutionLog
	flows       *cache.FlowCache
	scheduler   *scheduler.Scheduler
	gateway     gateway.Gateway
	splits      *split.Selector
	subflows    *subflow.Coordinator
	conf        config.EngineConfig
	visibility  time.Duration
	now         func() time.Time
	pool        *Pool
	dispatcher  Dispatcher
}

type Option func(*FlowEngine)

func WithClock(now func() time.Time) Option {
	return func(f *FlowEngine) { f.now = now }
}

// WithDispatcher replaces the worker pool, for callers that drive the
// engine themselves.
func WithDispatcher(d Dispatcher) Option {
	return func(f *FlowEngine) { f.dispatcher = d }
}

func NewFlowEngine(c *container.DIContainer, flows *cache.FlowCache, sched *scheduler.Scheduler, gw gateway.Gateway,
	metrics analytics.MetricSource, conf config.Config, wg *sync.WaitGroup, opts ...Option) *FlowEngine {
	f := &FlowEngine{
		enrollments: c.GetEnrollmentStorage(),
		waiters:     c.GetWaiterIndex(),
		leases:      c.GetLeaseManager(),
		log:         c.GetExecutionLog(),
		flows:       flows,
		scheduler:   sched,
		gateway:     gw,
		splits:      split.NewSelector(c.GetCounter(), metrics),
		conf:        conf.EngineConfig,
		visibility:  conf.SchedulerConfig.VisibilityTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.dispatcher == nil {
		f.pool = NewPool(conf.EngineConfig.WorkerCount, conf.EngineConfig.WorkerCapacity, wg, func(item model.WorkItem) error {
			return f.Handle(context.Background(), item)
		})
		f.dispatcher = f.pool
	}
	f.subflows = subflow.NewCoordinator(f, sched, conf.EngineConfig.MaxSubflowDepth, f.now)
	return f
}

func (f *FlowEngine) Start() error {
	if f.pool != nil {
		f.pool.Start()
	}
	logger.Info("flow engine started", zap.Int("workers", f.conf.WorkerCount))
	return nil
}

func (f *FlowEngine) Stop() error {
	if f.pool != nil {
		f.pool.Stop()
	}
	logger.Info("stopping flow engine")
	return nil
}

func (f *FlowEngine) Dispatch(item model.WorkItem) {
	f.dispatcher.Dispatch(item)
}

// Submit registers item and dispatches it at once. The registration is due
// one visibility timeout later so a lost dispatch is recovered by polling.
func (f *FlowEngine) Submit(ctx context.Context, item model.WorkItem) error {
	item, err := f.scheduler.Schedule(ctx, item, f.now().Add(f.visibility))
	if err != nil {
		return err
	}
	f.dispatcher.Dispatch(item)
	return nil
}

func (f *FlowEngine) Enroll(ctx context.Context, req model.EnrollRequest) (*model.Enrollment, error) {
	e, item, err := f.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	f.dispatcher.Dispatch(item)
	return e, nil
}

type EnrollResult struct {
	ContactId    string `json:"contactId"`
	EnrollmentId string `json:"enrollmentId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EnrollContacts enrolls many contacts with bounded concurrency. Per-contact
// failures are reported in the results.
func (f *FlowEngine) EnrollContacts(ctx context.Context, flowId string, contactIds []string, seed map[string]any) []EnrollResult {
	results := make([]EnrollResult, len(contactIds))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.conf.EnrollConcurrency)
	for i, contactId := range contactIds {
		i, contactId := i, contactId
		g.Go(func() error {
			results[i] = EnrollResult{ContactId: contactId}
			e, err := f.Enroll(ctx, model.EnrollRequest{FlowId: flowId, ContactId: contactId, Context: seed})
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].EnrollmentId = e.Id
			return nil
		})
	}
	g.Wait()
	return results
}

// Create stores a new enrollment and registers its first step without
// dispatching it.
func (f *FlowEngine) Create(ctx context.Context, req model.EnrollRequest) (*model.Enrollment, model.WorkItem, error) {
	fl, err := f.flows.Latest(ctx, req.FlowId)
	if err != nil {
		return nil, model.WorkItem{}, err
	}
	entry := req.EntryNodeId
	if entry == "" {
		entry = fl.Entry()
	}
	if !req.AllowReentry && !fl.Definition.Settings.AllowReentry {
		key := fmt.Sprintf("enroll:%s:%s", req.FlowId, req.ContactId)
		token, err := f.leases.Acquire(ctx, key, f.conf.LeaseTTL)
		if errors.Is(err, persistence.ErrLeaseHeld) {
			return nil, model.WorkItem{}, ErrAlreadyEnrolled
		}
		if err != nil {
			return nil, model.WorkItem{}, err
		}
		defer f.release(key, token)
		live, err := f.enrollments.FindLive(ctx, req.FlowId, req.ContactId)
		if err != nil {
			return nil, model.WorkItem{}, err
		}
		if len(live) > 0 {
			return nil, model.WorkItem{}, ErrAlreadyEnrolled
		}
	}

	now := f.now()
	e := &model.Enrollment{
		Id:            uuid.NewString(),
		FlowId:        fl.Id(),
		FlowVersion:   fl.Version(),
		ContactId:     req.ContactId,
		CurrentNodeId: entry,
		Status:        model.STATUS_ACTIVE,
		Context:       seedContext(req.Context),
		ParentId:      req.ParentId,
		Depth:         req.Depth,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.enrollments.CreateEnrollment(ctx, e); err != nil {
		return nil, model.WorkItem{}, err
	}
	item, err := f.scheduler.Schedule(ctx, model.WorkItem{
		Kind:         model.WORK_CONTINUE,
		EnrollmentId: e.Id,
		NodeId:       entry,
		Version:      e.Version,
	}, now.Add(f.visibility))
	if err != nil {
		return nil, item, err
	}
	detail := fmt.Sprintf("flow %s version %d", fl.Id(), fl.Version())
	if req.ParentId != "" {
		detail += " parent " + req.ParentId
	}
	if err := f.log.Append(ctx, model.ExecutionLogEntry{EnrollmentId: e.Id, NodeId: entry, Timestamp: now, Outcome: model.OUTCOME_ENROLLED, Detail: detail}); err != nil {
		logger.Error("error appending execution log", zap.String("enrollment", e.Id), zap.Error(err))
	}
	logger.Info("contact enrolled", zap.String("flow", fl.Id()), zap.Int("version", fl.Version()), zap.String("contact", req.ContactId), zap.String("enrollment", e.Id))
	return e, item, nil
}

func seedContext(seed map[string]any) map[string]any {
	ctx := make(map[string]any, len(seed))
	for k, v := range seed {
		ctx[k] = v
	}
	return ctx
}

// EndEnrollment moves a live enrollment to ended and drops its pending
// registrations.
func (f *FlowEngine) EndEnrollment(ctx context.Context, enrollmentId string, reason string) (*model.Enrollment, error) {
	token, err := f.leases.Acquire(ctx, enrollmentId, f.conf.LeaseTTL)
	if err != nil {
		return nil, err
	}
	defer f.release(enrollmentId, token)
	e, err := f.enrollments.GetEnrollment(ctx, enrollmentId)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return e, ErrTerminal
	}
	fl, err := f.flows.Get(ctx, e.FlowId, e.FlowVersion)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = model.REASON_MANUAL
	}
	s := newStep(e, fl, f.now())
	f.terminate(s, model.STATUS_ENDED, reason)
	if err := f.commit(ctx, s); err != nil {
		return nil, err
	}
	return s.e, nil
}

// CompleteAction reports the outcome of an action that returned pending.
func (f *FlowEngine) CompleteAction(ctx context.Context, enrollmentId string, nodeId string, success bool, delta model.ContextDelta, reason string) error {
	e, err := f.enrollments.GetEnrollment(ctx, enrollmentId)
	if err != nil {
		return err
	}
	if !e.ActionPending || e.CurrentNodeId != nodeId {
		return ErrNotPending
	}
	return f.Submit(ctx, model.WorkItem{
		Kind:         model.WORK_ACTION_CALLBACK,
		EnrollmentId: enrollmentId,
		NodeId:       nodeId,
		OccurredAt:   f.now(),
		Payload:      map[string]any{"success": success, "delta": delta, "reason": reason},
	})
}

func (f *FlowEngine) GetEnrollment(ctx context.Context, enrollmentId string) (*model.Enrollment, error) {
	return f.enrollments.GetEnrollment(ctx, enrollmentId)
}

func (f *FlowEngine) GetExecutionLog(ctx context.Context, enrollmentId string) ([]model.ExecutionLogEntry, error) {
	return f.log.List(ctx, enrollmentId)
}

func (f *FlowEngine) release(key string, token string) {
	if err := f.leases.Release(context.Background(), key, token); err != nil {
		logger.Warn("error releasing lease", zap.String("key", key), zap.Error(err))
	}
}
