package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/engine"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/node"
	"github.com/mohitkumar/nurture/persistence"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Engine is the part of the flow engine the router drives.
type Engine interface {
	GetEnrollment(ctx context.Context, enrollmentId string) (*model.Enrollment, error)
	Submit(ctx context.Context, item model.WorkItem) error
	Enroll(ctx context.Context, req model.EnrollRequest) (*model.Enrollment, error)
}

type FlowSource interface {
	Published(ctx context.Context) ([]*flow.Flow, error)
}

type Result struct {
	EventId  string   `json:"eventId"`
	Resumed  []string `json:"resumed"`
	Enrolled []string `json:"enrolled"`
}

type Router struct {
	engine   Engine
	flows    FlowSource
	waiters  persistence.WaiterIndex
	validate *validator.Validate
	now      func() time.Time
}

func NewRouter(engine Engine, flows FlowSource, waiters persistence.WaiterIndex) *Router {
	return &Router{
		engine:   engine,
		flows:    flows,
		waiters:  waiters,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Prepare validates ev and fills in its id and occurrence time when the
// producer left them out.
func (r *Router) Prepare(ev *model.DomainEvent) error {
	if err := r.validate.Struct(ev); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.Id == "" {
		ev.Id = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now()
	}
	return nil
}

// Route resumes every enrollment of the contact waiting on ev, then enrolls
// the contact into every published flow whose trigger ev fires. Events that
// match nothing are dropped.
func (r *Router) Route(ctx context.Context, ev model.DomainEvent) (Result, error) {
	if err := r.Prepare(&ev); err != nil {
		return Result{}, err
	}
	res := Result{EventId: ev.Id, Resumed: []string{}, Enrolled: []string{}}
	resumed, err := r.resumeWaiters(ctx, ev)
	if err != nil {
		return res, err
	}
	res.Resumed = append(res.Resumed, resumed...)
	enrolled, err := r.fireTriggers(ctx, ev)
	res.Enrolled = append(res.Enrolled, enrolled...)
	if len(res.Resumed) == 0 && len(res.Enrolled) == 0 {
		logger.Debug("event matched nothing", zap.String("event", ev.Id), zap.String("type", ev.Type), zap.String("contact", ev.ContactId))
	}
	return res, err
}

func (r *Router) resumeWaiters(ctx context.Context, ev model.DomainEvent) ([]string, error) {
	ids, err := r.waiters.FindWaiters(ctx, ev.Type, ev.ContactId)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, id := range ids {
		e, err := r.engine.GetEnrollment(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		if e.Status != model.STATUS_WAITING_EVENT || !Matches(e.WaitEvent, ev) {
			continue
		}
		item := model.WorkItem{
			Kind:         model.WORK_EVENT_MATCH,
			EnrollmentId: e.Id,
			NodeId:       e.CurrentNodeId,
			BranchKey:    model.BRANCH_EVENT,
			Ref:          ev.Id,
			OccurredAt:   ev.OccurredAt,
			Payload:      map[string]any{"type": ev.Type, "payload": ev.Payload},
		}
		if err := r.engine.Submit(ctx, item); err != nil {
			return resumed, err
		}
		logger.Info("event matched waiting enrollment", zap.String("event", ev.Id), zap.String("enrollment", e.Id))
		resumed = append(resumed, e.Id)
	}
	return resumed, nil
}

func (r *Router) fireTriggers(ctx context.Context, ev model.DomainEvent) ([]string, error) {
	flows, err := r.flows.Published(ctx)
	if err != nil {
		return nil, err
	}
	var (
		enrolled []string
		errs     []error
	)
	for _, f := range flows {
		t, ok := f.MatchTrigger(ev)
		if !ok {
			continue
		}
		e, err := r.engine.Enroll(ctx, model.EnrollRequest{
			FlowId:      f.Id(),
			ContactId:   ev.ContactId,
			Context:     triggerContext(ev),
			EntryNodeId: t.Id,
		})
		if errors.Is(err, engine.ErrAlreadyEnrolled) {
			logger.Debug("contact already enrolled", zap.String("flow", f.Id()), zap.String("contact", ev.ContactId))
			continue
		}
		if err != nil {
			logger.Error("error enrolling from trigger", zap.String("flow", f.Id()), zap.String("event", ev.Id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		enrolled = append(enrolled, e.Id)
	}
	return enrolled, errors.Join(errs...)
}

// triggerContext seeds the enrollment context from the event's "context"
// payload entry and records the event under "trigger".
func triggerContext(ev model.DomainEvent) map[string]any {
	ctx := map[string]any{}
	if seed, ok := ev.Payload["context"].(map[string]any); ok {
		for k, v := range seed {
			ctx[k] = v
		}
	}
	ctx["trigger"] = map[string]any{
		"eventId":    ev.Id,
		"type":       ev.Type,
		"payload":    ev.Payload,
		"occurredAt": ev.OccurredAt,
	}
	return ctx
}

// Matches reports whether ev satisfies a pending wait: same type, every
// filter entry equal, at least one keyword as a whole word of the payload
// body, and not older than the wait itself.
func Matches(spec *model.WaitEventSpec, ev model.DomainEvent) bool {
	if spec == nil || spec.EventType != ev.Type {
		return false
	}
	if ev.OccurredAt.Before(spec.StartedAt) {
		return false
	}
	if ev.Id != "" && slices.Contains(spec.Counted, ev.Id) {
		return false
	}
	if !node.MatchFilter(spec.Filter, ev.Payload) {
		return false
	}
	if len(spec.Keywords) == 0 {
		return true
	}
	body, _ := ev.Payload["body"].(string)
	for _, kw := range spec.Keywords {
		if kw != "" && wordPattern(kw).MatchString(body) {
			return true
		}
	}
	return false
}

// compiled keyword patterns, keyed by lower-cased keyword
var patterns = gocache.New(time.Hour, 10*time.Minute)

func wordPattern(keyword string) *regexp.Regexp {
	key := strings.ToLower(keyword)
	if p, ok := patterns.Get(key); ok {
		return p.(*regexp.Regexp)
	}
	p := regexp.MustCompile(`(?i)(^|\W)` + regexp.QuoteMeta(key) + `($|\W)`)
	patterns.SetDefault(key, p)
	return p
}
