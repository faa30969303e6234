package model

import (
	"slices"
	"time"
)

type EnrollmentStatus string

const (
	STATUS_ACTIVE          EnrollmentStatus = "active"
	STATUS_WAITING_DELAY   EnrollmentStatus = "waiting_delay"
	STATUS_WAITING_EVENT   EnrollmentStatus = "waiting_event"
	STATUS_WAITING_SUBFLOW EnrollmentStatus = "waiting_subflow"
	STATUS_COMPLETED       EnrollmentStatus = "completed"
	STATUS_ENDED           EnrollmentStatus = "ended"
	STATUS_FAILED          EnrollmentStatus = "failed"
)

func (s EnrollmentStatus) IsTerminal() bool {
	return s == STATUS_COMPLETED || s == STATUS_ENDED || s == STATUS_FAILED
}

func (s EnrollmentStatus) IsWaiting() bool {
	return s == STATUS_WAITING_DELAY || s == STATUS_WAITING_EVENT || s == STATUS_WAITING_SUBFLOW
}

// End reasons recorded on terminal enrollments.
const (
	REASON_END_FLOW            = "end_flow"
	REASON_LOOP_LIMIT_EXCEEDED = "loop_limit_exceeded"
	REASON_ACTION_FAILED       = "action_failed"
	REASON_MISSING_NODE        = "missing_node"
	REASON_NO_BRANCH           = "no_branch"
	REASON_SUBFLOW_FAILED      = "subflow_failed"
	REASON_SUBFLOW_DEPTH       = "subflow_depth_exceeded"
	REASON_MANUAL              = "manual"
)

// Counted holds the ids of the events already added to Received.
type WaitEventSpec struct {
	EventType string            `json:"eventType"`
	Filter    map[string]string `json:"filter,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	MinCount  int               `json:"minCount,omitempty"`
	Received  int               `json:"received,omitempty"`
	Counted   []string          `json:"counted,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	Deadline  time.Time         `json:"deadline"`
}

type Enrollment struct {
	Id            string           `json:"id"`
	FlowId        string           `json:"flowId"`
	FlowVersion   int              `json:"flowVersion"`
	ContactId     string           `json:"contactId"`
	CurrentNodeId string           `json:"currentNodeId"`
	Status        EnrollmentStatus `json:"status"`
	ResumeAt      *time.Time       `json:"resumeAt,omitempty"`
	WaitEvent     *WaitEventSpec   `json:"waitEventSpec,omitempty"`
	Context       map[string]any   `json:"context"`
	Version       int64            `json:"version"`
	LoopGuard     int              `json:"loopGuard"`
	EndReason     string           `json:"endReason,omitempty"`
	ParentId      string           `json:"parentId,omitempty"`
	ChildId       string           `json:"childId,omitempty"`
	Depth         int              `json:"depth,omitempty"`
	ActionAttempt int              `json:"actionAttempt,omitempty"`
	ActionPending bool             `json:"actionPending,omitempty"`
	Archived      bool             `json:"archived,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Clone returns a copy that can be mutated without touching the original's
// wait spec or top-level context map.
func (e *Enrollment) Clone() *Enrollment {
	c := *e
	c.Context = make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		c.Context[k] = v
	}
	if e.WaitEvent != nil {
		w := *e.WaitEvent
		w.Counted = slices.Clone(w.Counted)
		c.WaitEvent = &w
	}
	if e.ResumeAt != nil {
		t := *e.ResumeAt
		c.ResumeAt = &t
	}
	return &c
}

type ExecutionLogEntry struct {
	EnrollmentId string    `json:"enrollmentId"`
	NodeId       string    `json:"nodeId"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
}

// Outcomes written to the execution log.
const (
	OUTCOME_ENROLLED         = "enrolled"
	OUTCOME_BRANCH           = "branch"
	OUTCOME_ACTION_SUCCESS   = "action_success"
	OUTCOME_ACTION_PENDING   = "action_pending"
	OUTCOME_ACTION_RETRY     = "action_retry"
	OUTCOME_ACTION_FAILED    = "action_failed"
	OUTCOME_ACTION_STALLED   = "action_no_callback"
	OUTCOME_WAITING_DELAY    = "waiting_delay"
	OUTCOME_RESUMED          = "resumed"
	OUTCOME_WAITING_EVENT    = "waiting_event"
	OUTCOME_EVENT_RECEIVED   = "event_received"
	OUTCOME_TIMEOUT          = "timeout"
	OUTCOME_GOTO             = "goto"
	OUTCOME_SUBFLOW_STARTED  = "subflow_started"
	OUTCOME_WAITING_SUBFLOW  = "waiting_subflow"
	OUTCOME_SUBFLOW_RESUMED  = "subflow_resumed"
	OUTCOME_COMPLETED        = "completed"
	OUTCOME_ENDED            = "ended"
	OUTCOME_FAILED           = "failed"
	OUTCOME_EVALUATION_ERROR = "evaluation_error"
)

// EnrollRequest starts a contact in a flow. EntryNodeId defaults to the
// flow's entry node.
type EnrollRequest struct {
	FlowId       string         `json:"flowId" validate:"required"`
	ContactId    string         `json:"contactId" validate:"required"`
	Context      map[string]any `json:"context,omitempty"`
	EntryNodeId  string         `json:"-"`
	ParentId     string         `json:"-"`
	Depth        int            `json:"-"`
	AllowReentry bool           `json:"-"`
}
