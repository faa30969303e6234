package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/nurture/model"
)

type Status string

const (
	STATUS_SUCCESS Status = "success"
	STATUS_FAILED  Status = "failed"
	STATUS_PENDING Status = "pending"
)

type Request struct {
	ActionType     string         `json:"actionType"`
	Config         map[string]any `json:"config"`
	Context        map[string]any `json:"context"`
	ContactId      string         `json:"contactId"`
	EnrollmentId   string         `json:"enrollmentId"`
	NodeId         string         `json:"nodeId"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type Result struct {
	Status Status             `json:"status"`
	Delta  model.ContextDelta `json:"delta"`
	Output map[string]any     `json:"output,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// Gateway invokes the collaborator that performs an action. A returned
// TransientError is retried; any other error fails the node.
type Gateway interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient action error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent action error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Mux routes requests to a gateway per action type.
type Mux struct {
	routes   map[string]Gateway
	fallback Gateway
}

func NewMux(fallback Gateway) *Mux {
	return &Mux{routes: make(map[string]Gateway), fallback: fallback}
}

func (m *Mux) Handle(actionType string, g Gateway) *Mux {
	m.routes[actionType] = g
	return m
}

func (m *Mux) Execute(ctx context.Context, req Request) (Result, error) {
	if g, ok := m.routes[req.ActionType]; ok {
		return g.Execute(ctx, req)
	}
	if m.fallback == nil {
		return Result{}, &PermanentError{Err: fmt.Errorf("no gateway for action %s", req.ActionType)}
	}
	return m.fallback.Execute(ctx, req)
}
