package model

import (
	"encoding/json"
	"time"
)

type NodeKind string

const (
	KIND_TRIGGER    NodeKind = "trigger"
	KIND_CONDITION  NodeKind = "condition"
	KIND_ACTION     NodeKind = "action"
	KIND_SPLIT      NodeKind = "split"
	KIND_WAIT_DELAY NodeKind = "wait_delay"
	KIND_WAIT_EVENT NodeKind = "wait_event"
	KIND_GOTO       NodeKind = "goto"
	KIND_SUBFLOW    NodeKind = "subflow"
	KIND_END_FLOW   NodeKind = "end_flow"
)

var NodeKinds = []NodeKind{
	KIND_TRIGGER, KIND_CONDITION, KIND_ACTION, KIND_SPLIT, KIND_WAIT_DELAY,
	KIND_WAIT_EVENT, KIND_GOTO, KIND_SUBFLOW, KIND_END_FLOW,
}

// Branch keys produced by the built-in node kinds. Split and multi-branch
// condition nodes produce the keys named in their config.
const (
	BRANCH_DEFAULT   = "default"
	BRANCH_TRUE      = "true"
	BRANCH_FALSE     = "false"
	BRANCH_ELSE      = "else"
	BRANCH_EVENT     = "event"
	BRANCH_TIMEOUT   = "timeout"
	BRANCH_FAILED    = "failed"
	BRANCH_COMPLETED = "completed"
	BRANCH_ENDED     = "ended"
)

type ActionFailurePolicy string

const (
	ON_FAILURE_FAIL     ActionFailurePolicy = "fail"
	ON_FAILURE_CONTINUE ActionFailurePolicy = "continue"
)

type FlowDefinition struct {
	Id          string       `json:"id" validate:"required"`
	Version     int          `json:"version"`
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes" validate:"required,min=1,dive"`
	Edges       []Edge       `json:"edges" validate:"dive"`
	Settings    FlowSettings `json:"settings"`
	PublishedAt time.Time    `json:"publishedAt"`
}

type FlowSettings struct {
	OnActionFailure ActionFailurePolicy `json:"onActionFailure,omitempty" validate:"omitempty,oneof=fail continue"`
	AllowReentry    bool                `json:"allowReentry,omitempty"`
	LoopLimit       int                 `json:"loopLimit,omitempty" validate:"gte=0"`
}

type Node struct {
	Id      string          `json:"id" validate:"required"`
	Kind    NodeKind        `json:"kind" validate:"required"`
	SubType string          `json:"subType"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type Edge struct {
	From      string `json:"fromNodeId" validate:"required"`
	To        string `json:"toNodeId" validate:"required"`
	BranchKey string `json:"branchKey"`
}

// Key returns the branch key, treating an empty key as the default branch.
func (e Edge) Key() string {
	if e.BranchKey == "" {
		return BRANCH_DEFAULT
	}
	return e.BranchKey
}
