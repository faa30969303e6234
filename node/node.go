package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mohitkumar/nurture/condition"
	"github.com/mohitkumar/nurture/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the typed configuration of one node. BranchKeys lists every
// branch key the node can produce at runtime.
type Config interface {
	BranchKeys() []string
}

// Checker is implemented by configs that need checks beyond struct tags.
type Checker interface {
	Check() error
}

type factory func() Config

var registry = map[model.NodeKind]map[string]factory{
	model.KIND_CONDITION: {
		"if_else":      func() Config { return &IfElseConfig{} },
		"multi_branch": func() Config { return &MultiBranchConfig{} },
	},
	model.KIND_ACTION: {
		ACTION_SEND_EMAIL:        func() Config { return &SendEmailConfig{} },
		ACTION_SEND_SMS:          func() Config { return &SendSmsConfig{} },
		ACTION_VOICE_CALL:        func() Config { return &VoiceCallConfig{} },
		ACTION_WEBHOOK:           func() Config { return &WebhookConfig{} },
		ACTION_ADD_TAG:           func() Config { return &TagConfig{} },
		ACTION_REMOVE_TAG:        func() Config { return &TagConfig{remove: true} },
		ACTION_UPDATE_FIELD:      func() Config { return &UpdateFieldConfig{} },
		ACTION_ASSIGN_OWNER:      func() Config { return &AssignOwnerConfig{} },
		ACTION_CHANGE_STATUS:     func() Config { return &ChangeStatusConfig{} },
		ACTION_UPDATE_LEAD_SCORE: func() Config { return &UpdateLeadScoreConfig{} },
		ACTION_CREATE_TASK:       func() Config { return &CreateTaskConfig{} },
		ACTION_CREATE_DEAL:       func() Config { return &CreateDealConfig{} },
		ACTION_CUSTOM_CODE:       func() Config { return &CustomCodeConfig{} },
	},
	model.KIND_SPLIT: {
		SPLIT_RANDOM:       func() Config { return &RandomSplitConfig{} },
		SPLIT_EVEN:         func() Config { return &EvenSplitConfig{} },
		SPLIT_MULTIVARIATE: func() Config { return &MultivariateConfig{} },
	},
	model.KIND_WAIT_DELAY: {"": func() Config { return &WaitDelayConfig{} }},
	model.KIND_WAIT_EVENT: {"": func() Config { return &WaitEventConfig{} }},
	model.KIND_GOTO:       {"": func() Config { return &GotoConfig{} }},
	model.KIND_SUBFLOW:    {"": func() Config { return &SubflowConfig{} }},
	model.KIND_END_FLOW:   {"": func() Config { return &EndFlowConfig{} }},
}

// Decode turns the raw config of n into its typed variant and validates it.
// Kinds with a single variant accept an empty subType or one equal to the kind.
func Decode(n model.Node) (Config, error) {
	var cfg Config
	if n.Kind == model.KIND_TRIGGER {
		if n.SubType == "" {
			return nil, fmt.Errorf("node %s: trigger requires a subType", n.Id)
		}
		cfg = &TriggerConfig{}
	} else {
		variants, ok := registry[n.Kind]
		if !ok {
			return nil, fmt.Errorf("node %s: unknown kind %q", n.Id, n.Kind)
		}
		subType := n.SubType
		if subType == string(n.Kind) {
			subType = ""
		}
		f, ok := variants[subType]
		if !ok {
			return nil, fmt.Errorf("node %s: unknown %s subType %q", n.Id, n.Kind, n.SubType)
		}
		cfg = f()
	}
	if len(n.Config) > 0 && !bytes.Equal(bytes.TrimSpace(n.Config), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(n.Config))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("node %s: invalid config: %w", n.Id, err)
		}
	}
	if t, ok := cfg.(*TriggerConfig); ok {
		t.EventType = n.SubType
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Id, err)
	}
	if c, ok := cfg.(Checker); ok {
		if err := c.Check(); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Id, err)
		}
	}
	return cfg, nil
}

func checkGroup(g condition.Group) error {
	for i, r := range g.Rules {
		if err := condition.CheckRule(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// TRIGGER_MANUAL marks a trigger only reachable through manual enrollment.
const TRIGGER_MANUAL = "manual"

type TriggerConfig struct {
	EventType string            `json:"-"`
	Filter    map[string]string `json:"filter,omitempty"`
}

func (c *TriggerConfig) BranchKeys() []string { return []string{model.BRANCH_DEFAULT} }

// Matches reports whether ev fires this trigger. Every filter entry must equal
// the payload value of the same key.
func (c *TriggerConfig) Matches(ev model.DomainEvent) bool {
	if c.EventType == TRIGGER_MANUAL || c.EventType != ev.Type {
		return false
	}
	return MatchFilter(c.Filter, ev.Payload)
}

func MatchFilter(filter map[string]string, payload map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !strings.EqualFold(fmt.Sprintf("%v", got), want) {
			return false
		}
	}
	return true
}

type IfElseConfig struct {
	condition.Group
}

func (c *IfElseConfig) BranchKeys() []string {
	return []string{model.BRANCH_TRUE, model.BRANCH_FALSE}
}

func (c *IfElseConfig) Check() error { return checkGroup(c.Group) }

type MultiBranchConfig struct {
	Branches []condition.Branch `json:"branches" validate:"required,min=1,dive"`
}

func (c *MultiBranchConfig) BranchKeys() []string {
	keys := make([]string, 0, len(c.Branches)+1)
	for _, b := range c.Branches {
		keys = append(keys, b.Key)
	}
	return append(keys, model.BRANCH_ELSE)
}

func (c *MultiBranchConfig) Check() error {
	seen := map[string]bool{}
	for _, b := range c.Branches {
		if seen[b.Key] || b.Key == model.BRANCH_ELSE {
			return fmt.Errorf("duplicate or reserved branch key %q", b.Key)
		}
		seen[b.Key] = true
		if err := checkGroup(b.Group); err != nil {
			return fmt.Errorf("branch %s: %w", b.Key, err)
		}
	}
	return nil
}

type WaitDelayConfig struct {
	Amount int        `json:"amount" validate:"gte=0"`
	Unit   string     `json:"unit,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

func (c *WaitDelayConfig) BranchKeys() []string { return []string{model.BRANCH_DEFAULT} }

func (c *WaitDelayConfig) Check() error {
	if c.Until != nil {
		return nil
	}
	if err := checkWait(c.Amount, c.Unit); err != nil {
		return fmt.Errorf("wait_delay: %w", err)
	}
	return nil
}

// ResumeAt returns when an enrollment reaching the node at now wakes up.
func (c *WaitDelayConfig) ResumeAt(now time.Time) time.Time {
	if c.Until != nil {
		if c.Until.Before(now) {
			return now
		}
		return *c.Until
	}
	return now.Add(Duration(c.Amount, c.Unit))
}

// MaxWait bounds every configured delay and timeout.
const MaxWait = 5 * 365 * 24 * time.Hour

func unitDuration(unit string) time.Duration {
	switch unit {
	case "minutes":
		return time.Minute
	case "hours":
		return time.Hour
	case "days":
		return 24 * time.Hour
	case "weeks":
		return 7 * 24 * time.Hour
	}
	return 0
}

// Duration returns amount units, or 0 for an unknown unit or an amount
// outside (0, MaxWait].
func Duration(amount int, unit string) time.Duration {
	u := unitDuration(unit)
	if u == 0 || amount <= 0 || int64(amount) > int64(MaxWait/u) {
		return 0
	}
	return time.Duration(amount) * u
}

func checkWait(amount int, unit string) error {
	u := unitDuration(unit)
	if u == 0 || amount <= 0 {
		return fmt.Errorf("requires a positive amount with unit minutes, hours, days or weeks")
	}
	if int64(amount) > int64(MaxWait/u) {
		return fmt.Errorf("%d %s exceeds the longest wait of %s", amount, unit, MaxWait)
	}
	return nil
}

type WaitEventConfig struct {
	EventType     string            `json:"eventType" validate:"required"`
	Filter        map[string]string `json:"filter,omitempty"`
	Keywords      []string          `json:"keywords,omitempty"`
	MinCount      int               `json:"minCount,omitempty" validate:"gte=0"`
	TimeoutAmount int               `json:"timeoutAmount" validate:"required,gt=0"`
	TimeoutUnit   string            `json:"timeoutUnit" validate:"required,oneof=minutes hours days weeks"`
}

func (c *WaitEventConfig) BranchKeys() []string {
	return []string{model.BRANCH_EVENT, model.BRANCH_TIMEOUT}
}

func (c *WaitEventConfig) Check() error {
	if err := checkWait(c.TimeoutAmount, c.TimeoutUnit); err != nil {
		return fmt.Errorf("wait_event timeout: %w", err)
	}
	return nil
}

func (c *WaitEventConfig) Spec(now time.Time) *model.WaitEventSpec {
	return &model.WaitEventSpec{
		EventType: c.EventType,
		Filter:    c.Filter,
		Keywords:  c.Keywords,
		MinCount:  c.MinCount,
		StartedAt: now,
		Deadline:  now.Add(Duration(c.TimeoutAmount, c.TimeoutUnit)),
	}
}

type GotoConfig struct {
	Target string `json:"targetNodeId" validate:"required"`
}

func (c *GotoConfig) BranchKeys() []string { return nil }

type SubflowConfig struct {
	FlowId            string `json:"flowId" validate:"required"`
	WaitForCompletion bool   `json:"waitForCompletion"`
}

func (c *SubflowConfig) BranchKeys() []string {
	if c.WaitForCompletion {
		return []string{model.BRANCH_COMPLETED, model.BRANCH_ENDED, model.BRANCH_FAILED}
	}
	return []string{model.BRANCH_DEFAULT}
}

type EndFlowConfig struct {
	Reason string `json:"reason,omitempty"`
}

func (c *EndFlowConfig) BranchKeys() []string { return nil }
