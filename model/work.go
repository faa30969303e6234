package model

import (
	"fmt"
	"time"
)

type WorkKind string

const (
	WORK_CONTINUE           WorkKind = "continue"
	WORK_DELAY_WAKE         WorkKind = "delay_wake"
	WORK_EVENT_MATCH        WorkKind = "event_match"
	WORK_TIMEOUT_EXPIRY     WorkKind = "timeout_expiry"
	WORK_SUBFLOW_COMPLETION WorkKind = "subflow_completion"
	WORK_ACTION_RETRY       WorkKind = "action_retry"
	WORK_ACTION_RECHECK     WorkKind = "action_recheck"
	WORK_ACTION_CALLBACK    WorkKind = "action_callback"
)

// Scheduler lanes. Each lane is polled by its own executor.
const (
	LANE_DELAY   = "delay"
	LANE_TIMEOUT = "timeout"
	LANE_RETRY   = "retry"
)

var Lanes = []string{LANE_DELAY, LANE_TIMEOUT, LANE_RETRY}

func (k WorkKind) Lane() string {
	switch k {
	case WORK_TIMEOUT_EXPIRY:
		return LANE_TIMEOUT
	case WORK_ACTION_RETRY, WORK_ACTION_RECHECK:
		return LANE_RETRY
	default:
		return LANE_DELAY
	}
}

type WorkItem struct {
	Kind         WorkKind       `json:"kind"`
	EnrollmentId string         `json:"enrollmentId"`
	NodeId       string         `json:"nodeId"`
	Version      int64          `json:"version"`
	BranchKey    string         `json:"branchKey,omitempty"`
	Ref          string         `json:"ref,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	// Token is assigned by the queue on push and identifies one registration.
	Token string `json:"token,omitempty"`
}

// Key identifies a registration. Registering an item with the same key
// replaces the pending one.
func (w WorkItem) Key() string {
	if w.Ref != "" {
		return fmt.Sprintf("%s:%s:%s", w.Kind, w.EnrollmentId, w.Ref)
	}
	return fmt.Sprintf("%s:%s", w.Kind, w.EnrollmentId)
}
