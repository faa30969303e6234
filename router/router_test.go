package router

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/cache"
	"github.com/mohitkumar/nurture/cluster"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/container"
	"github.com/mohitkumar/nurture/engine"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/gateway"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence/memory"
	"github.com/mohitkumar/nurture/scheduler"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type queue struct {
	mu    sync.Mutex
	items []model.WorkItem
}

func (q *queue) Dispatch(item model.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *queue) pop() (model.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.WorkItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	at      time.Time
	storage *memory.Storage
	sched   *scheduler.Scheduler
	queue   *queue
	engine  *engine.FlowEngine
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, ctx: context.Background(), at: clock, queue: &queue{}}
	now := func() time.Time { return f.at }
	f.storage = memory.NewStorage().WithClock(now)
	conf := config.Default()
	ring := cluster.NewRing(cluster.RingConfig{PartitionCount: 2, LocalName: "local"})
	f.sched = scheduler.New(f.storage, ring, conf.SchedulerConfig.VisibilityTimeout)
	flows := cache.NewFlowCache(f.storage, time.Hour)
	c := container.NewDiContainer().InitMemory(f.storage)
	f.engine = engine.NewFlowEngine(c, flows, f.sched, gateway.NewLocalGateway(), analytics.NewMemoryMetrics(), conf, &sync.WaitGroup{},
		engine.WithClock(now), engine.WithDispatcher(f.queue))
	f.router = NewRouter(f.engine, flows, f.storage)
	f.router.now = now
	return f
}

// advance moves the clock and runs every item that became due.
func (f *fixture) advance(d time.Duration) {
	f.at = f.at.Add(d)
	for _, lane := range model.Lanes {
		for _, p := range f.sched.LocalPartitions() {
			items, err := f.sched.Claim(f.ctx, lane, p, f.at, 100)
			require.NoError(f.t, err)
			for _, item := range items {
				f.queue.Dispatch(item)
			}
		}
	}
	f.run()
}

func (f *fixture) publish(def *model.FlowDefinition) {
	require.NoError(f.t, flow.Validate(def))
	_, err := f.storage.SaveFlow(f.ctx, def)
	require.NoError(f.t, err)
}

func (f *fixture) run() {
	for {
		item, ok := f.queue.pop()
		if !ok {
			return
		}
		require.NoError(f.t, f.engine.Handle(f.ctx, item))
	}
}

func (f *fixture) get(id string) *model.Enrollment {
	e, err := f.engine.GetEnrollment(f.ctx, id)
	require.NoError(f.t, err)
	return e
}

func nd(id string, kind model.NodeKind, subType string, cfg string) model.Node {
	var raw json.RawMessage
	if cfg != "" {
		raw = json.RawMessage(cfg)
	}
	return model.Node{Id: id, Kind: kind, SubType: subType, Config: raw}
}

func ed(from, to, key string) model.Edge {
	return model.Edge{From: from, To: to, BranchKey: key}
}

func replyFlow() *model.FlowDefinition {
	return &model.FlowDefinition{
		Id: "wait-reply",
		Nodes: []model.Node{
			nd("start", model.KIND_TRIGGER, "manual", ""),
			nd("wait_reply", model.KIND_WAIT_EVENT, "", `{"eventType":"sms_reply","filter":{"campaignId":"spring"},"keywords":["yes","sure"],"timeoutAmount":2,"timeoutUnit":"days"}`),
			nd("replied", model.KIND_END_FLOW, "", `{"reason":"replied"}`),
			nd("silent", model.KIND_END_FLOW, "", `{"reason":"silent"}`),
		},
		Edges: []model.Edge{
			ed("start", "wait_reply", ""),
			ed("wait_reply", "replied", model.BRANCH_EVENT),
			ed("wait_reply", "silent", model.BRANCH_TIMEOUT),
		},
	}
}

func formFlow() *model.FlowDefinition {
	return &model.FlowDefinition{
		Id: "demo-request",
		Nodes: []model.Node{
			nd("form", model.KIND_TRIGGER, model.EVENT_FORM_SUBMITTED, `{"filter":{"formId":"demo"}}`),
			nd("pause", model.KIND_WAIT_DELAY, "", `{"amount":1,"unit":"days"}`),
			nd("done", model.KIND_END_FLOW, "", `{"reason":"done"}`),
		},
		Edges: []model.Edge{
			ed("form", "pause", ""),
			ed("pause", "done", ""),
		},
	}
}

func reply(body string, campaign string) model.DomainEvent {
	return model.DomainEvent{
		Type:       model.EVENT_SMS_REPLY,
		ContactId:  "contact-1",
		OccurredAt: clock,
		Payload:    map[string]any{"campaignId": campaign, "body": body},
	}
}

func TestMatches(t *testing.T) {
	spec := &model.WaitEventSpec{
		EventType: model.EVENT_SMS_REPLY,
		Filter:    map[string]string{"campaignId": "spring"},
		Keywords:  []string{"yes", "sure"},
		StartedAt: clock,
	}
	late := reply("yes", "spring")
	late.OccurredAt = clock.Add(-time.Minute)
	wrongType := reply("yes", "spring")
	wrongType.Type = model.EVENT_EMAIL_CLICK

	tests := map[string]struct {
		spec *model.WaitEventSpec
		ev   model.DomainEvent
		want bool
	}{
		"keyword any case":          {spec, reply("YES please", "spring"), true},
		"second keyword":            {spec, reply("ok, sure.", "spring"), true},
		"filter ignores case":       {spec, reply("yes", "Spring"), true},
		"keyword inside a word":     {spec, reply("yesterday", "spring"), false},
		"no keyword":                {spec, reply("no thanks", "spring"), false},
		"filter mismatch":           {spec, reply("yes", "autumn"), false},
		"event before wait started": {spec, late, false},
		"other type":                {spec, wrongType, false},
		"no spec":                   {nil, reply("yes", "spring"), false},
		"no keywords configured":    {&model.WaitEventSpec{EventType: model.EVENT_SMS_REPLY, StartedAt: clock}, reply("anything", "x"), true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, Matches(tc.spec, tc.ev))
		})
	}
}

func TestRouteResumesWaitingEnrollment(t *testing.T) {
	f := newFixture(t)
	f.publish(replyFlow())
	e, err := f.engine.Enroll(f.ctx, model.EnrollRequest{FlowId: "wait-reply", ContactId: "contact-1"})
	require.NoError(t, err)
	f.run()
	require.Equal(t, model.STATUS_WAITING_EVENT, f.get(e.Id).Status)

	res, err := f.router.Route(f.ctx, reply("no", "spring"))
	require.NoError(t, err)
	require.Empty(t, res.Resumed)
	require.Empty(t, res.Enrolled)

	res, err = f.router.Route(f.ctx, reply("Yes!", "spring"))
	require.NoError(t, err)
	require.Equal(t, []string{e.Id}, res.Resumed)
	require.NotEmpty(t, res.EventId)
	f.run()

	done := f.get(e.Id)
	require.Equal(t, model.STATUS_COMPLETED, done.Status)
	require.Equal(t, "replied", done.EndReason)
	last := done.Context["lastEvent"].(map[string]any)
	require.Equal(t, model.EVENT_SMS_REPLY, last["type"])

	// nobody waits any more
	res, err = f.router.Route(f.ctx, reply("yes", "spring"))
	require.NoError(t, err)
	require.Empty(t, res.Resumed)
}

func TestRouteEnrollsFromTrigger(t *testing.T) {
	f := newFixture(t)
	f.publish(formFlow())
	ev := model.DomainEvent{
		Type:      model.EVENT_FORM_SUBMITTED,
		ContactId: "contact-7",
		Payload: map[string]any{
			"formId":  "DEMO",
			"context": map[string]any{"contact": map[string]any{"first_name": "Grace"}},
		},
	}

	res, err := f.router.Route(f.ctx, ev)
	require.NoError(t, err)
	require.Len(t, res.Enrolled, 1)
	f.run()

	e := f.get(res.Enrolled[0])
	require.Equal(t, model.STATUS_WAITING_DELAY, e.Status)
	require.Equal(t, "pause", e.CurrentNodeId)
	require.Equal(t, "Grace", e.Context["contact"].(map[string]any)["first_name"])
	require.Equal(t, model.EVENT_FORM_SUBMITTED, e.Context["trigger"].(map[string]any)["type"])

	// the contact is still live in the flow
	res, err = f.router.Route(f.ctx, ev)
	require.NoError(t, err)
	require.Empty(t, res.Enrolled)

	other := ev
	other.Payload = map[string]any{"formId": "pricing"}
	res, err = f.router.Route(f.ctx, other)
	require.NoError(t, err)
	require.Empty(t, res.Enrolled)
}

func TestRouteRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Route(f.ctx, model.DomainEvent{Type: model.EVENT_EMAIL_OPEN})
	require.Error(t, err)

	ev := model.DomainEvent{Type: model.EVENT_EMAIL_OPEN, ContactId: "c"}
	require.NoError(t, f.router.Prepare(&ev))
	require.NotEmpty(t, ev.Id)
	require.True(t, ev.OccurredAt.Equal(clock))
}

func clickFlow() *model.FlowDefinition {
	return &model.FlowDefinition{
		Id: "two-clicks",
		Nodes: []model.Node{
			nd("start", model.KIND_TRIGGER, "manual", ""),
			nd("wait_clicks", model.KIND_WAIT_EVENT, "", `{"eventType":"email_click","minCount":2,"timeoutAmount":2,"timeoutUnit":"days"}`),
			nd("engaged", model.KIND_END_FLOW, "", `{"reason":"engaged"}`),
			nd("cold", model.KIND_END_FLOW, "", `{"reason":"cold"}`),
		},
		Edges: []model.Edge{
			ed("start", "wait_clicks", ""),
			ed("wait_clicks", "engaged", model.BRANCH_EVENT),
			ed("wait_clicks", "cold", model.BRANCH_TIMEOUT),
		},
	}
}

func click(id string) model.DomainEvent {
	return model.DomainEvent{Id: id, Type: model.EVENT_EMAIL_CLICK, ContactId: "contact-1", OccurredAt: clock}
}

func TestRedeliveredEventCountsOnce(t *testing.T) {
	f := newFixture(t)
	f.publish(clickFlow())
	e, err := f.engine.Enroll(f.ctx, model.EnrollRequest{FlowId: "two-clicks", ContactId: "contact-1"})
	require.NoError(t, err)
	f.run()

	res, err := f.router.Route(f.ctx, click("click-1"))
	require.NoError(t, err)
	require.Equal(t, []string{e.Id}, res.Resumed)
	f.run()

	res, err = f.router.Route(f.ctx, click("click-1"))
	require.NoError(t, err)
	require.Empty(t, res.Resumed)
	f.run()

	waiting := f.get(e.Id)
	require.Equal(t, model.STATUS_WAITING_EVENT, waiting.Status)
	require.Equal(t, 1, waiting.WaitEvent.Received)
	require.Equal(t, []string{"click-1"}, waiting.WaitEvent.Counted)

	_, err = f.router.Route(f.ctx, click("click-2"))
	require.NoError(t, err)
	f.run()
	done := f.get(e.Id)
	require.Equal(t, model.STATUS_COMPLETED, done.Status)
	require.Equal(t, "engaged", done.EndReason)
}

func TestConcurrentDuplicateEventCountsOnce(t *testing.T) {
	f := newFixture(t)
	f.publish(clickFlow())
	e, err := f.engine.Enroll(f.ctx, model.EnrollRequest{FlowId: "two-clicks", ContactId: "contact-1"})
	require.NoError(t, err)
	f.run()

	// both deliveries are routed before either is handled
	for i := 0; i < 2; i++ {
		_, err := f.router.Route(f.ctx, click("click-1"))
		require.NoError(t, err)
	}
	f.run()

	waiting := f.get(e.Id)
	require.Equal(t, model.STATUS_WAITING_EVENT, waiting.Status)
	require.Equal(t, 1, waiting.WaitEvent.Received)
}

func TestTagAddedEntersVipNurture(t *testing.T) {
	f := newFixture(t)
	data, err := os.ReadFile("../flow/testdata/vip_nurture.yaml")
	require.NoError(t, err)
	def, err := flow.DecodeDocument(data)
	require.NoError(t, err)
	f.publish(def)

	ev := model.DomainEvent{
		Type:      model.EVENT_TAG_ADDED,
		ContactId: "contact-9",
		Payload: map[string]any{
			"tag":     "VIP",
			"context": map[string]any{"contact": map[string]any{"first_name": "Lin", "lead_score": 20}},
		},
	}
	res, err := f.router.Route(f.ctx, ev)
	require.NoError(t, err)
	require.Len(t, res.Enrolled, 1)
	id := res.Enrolled[0]
	require.Equal(t, model.STATUS_ACTIVE, f.get(id).Status)

	f.run()
	require.Equal(t, model.STATUS_WAITING_DELAY, f.get(id).Status)

	f.advance(23 * time.Hour)
	require.Equal(t, model.STATUS_WAITING_DELAY, f.get(id).Status)

	f.advance(time.Hour)
	e := f.get(id)
	require.Equal(t, model.STATUS_COMPLETED, e.Status)
	require.Equal(t, model.REASON_END_FLOW, e.EndReason)

	entries, err := f.engine.GetExecutionLog(f.ctx, id)
	require.NoError(t, err)
	var outcomes []string
	for _, entry := range entries {
		outcomes = append(outcomes, entry.Outcome)
		if entry.Outcome == model.OUTCOME_RESUMED {
			require.Equal(t, "wait_day", entry.NodeId)
			require.Equal(t, string(model.STATUS_ACTIVE), entry.Detail)
		}
	}
	require.Equal(t, []string{
		model.OUTCOME_ENROLLED,
		model.OUTCOME_BRANCH,
		model.OUTCOME_WAITING_DELAY,
		model.OUTCOME_RESUMED,
		model.OUTCOME_ACTION_SUCCESS,
		model.OUTCOME_COMPLETED,
	}, outcomes)

	// a tag other than VIP does not enroll
	other := ev
	other.ContactId = "contact-10"
	other.Payload = map[string]any{"tag": "Gold"}
	res, err = f.router.Route(f.ctx, other)
	require.NoError(t, err)
	require.Empty(t, res.Enrolled)
}

func TestWordPatternCompiledOnce(t *testing.T) {
	p := wordPattern("Yes")
	require.Same(t, p, wordPattern("yes"))
	require.Same(t, p, wordPattern("YES"))
	require.True(t, p.MatchString("oh YES please"))
	require.False(t, p.MatchString("yesterday"))
}
