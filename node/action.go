package node

import (
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/util"
	"github.com/spf13/cast"
)

const (
	ACTION_SEND_EMAIL        = "send_email"
	ACTION_SEND_SMS          = "send_sms"
	ACTION_VOICE_CALL        = "voice_call"
	ACTION_WEBHOOK           = "webhook"
	ACTION_ADD_TAG           = "add_tag"
	ACTION_REMOVE_TAG        = "remove_tag"
	ACTION_UPDATE_FIELD      = "update_field"
	ACTION_ASSIGN_OWNER      = "assign_owner"
	ACTION_CHANGE_STATUS     = "change_status"
	ACTION_UPDATE_LEAD_SCORE = "update_lead_score"
	ACTION_CREATE_TASK       = "create_task"
	ACTION_CREATE_DEAL       = "create_deal"
	ACTION_CUSTOM_CODE       = "custom_code"
)

// Context fields written by the CRM-mutating actions.
const (
	FIELD_OWNER      = "contact.owner_id"
	FIELD_STATUS     = "contact.status"
	FIELD_LEAD_SCORE = "contact.lead_score"
)

// Mutator is implemented by actions that change contact state. ImpliedDelta
// is used when the gateway result reports no delta of its own.
type Mutator interface {
	ImpliedDelta(ctx map[string]any) model.ContextDelta
}

type actionBranches struct{}

// Actions produce "default". A "failed" edge is optional and only taken
// under the continue failure policy.
func (actionBranches) BranchKeys() []string { return []string{model.BRANCH_DEFAULT} }

type SendEmailConfig struct {
	actionBranches
	To         string `json:"to,omitempty"`
	Subject    string `json:"subject" validate:"required_without=TemplateId"`
	Body       string `json:"body,omitempty"`
	TemplateId string `json:"templateId,omitempty"`
	CampaignId string `json:"campaignId,omitempty"`
}

type SendSmsConfig struct {
	actionBranches
	To   string `json:"to,omitempty"`
	Body string `json:"body" validate:"required"`
}

type VoiceCallConfig struct {
	actionBranches
	To           string `json:"to,omitempty"`
	Script       string `json:"script" validate:"required_without=RecordingUrl"`
	RecordingUrl string `json:"recordingUrl,omitempty" validate:"omitempty,url"`
}

type WebhookConfig struct {
	actionBranches
	Url     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

type TagConfig struct {
	actionBranches
	Tags   []string `json:"tags" validate:"required,min=1,dive,required"`
	remove bool
}

func (c *TagConfig) ImpliedDelta(map[string]any) model.ContextDelta {
	if c.remove {
		return model.ContextDelta{RemoveTags: c.Tags}
	}
	return model.ContextDelta{AddTags: c.Tags}
}

type UpdateFieldConfig struct {
	actionBranches
	Field string `json:"field" validate:"required"`
	Value any    `json:"value"`
}

func (c *UpdateFieldConfig) ImpliedDelta(ctx map[string]any) model.ContextDelta {
	resolved := util.ResolveInputParams(ctx, map[string]any{"v": c.Value})
	return model.ContextDelta{Set: map[string]any{c.Field: resolved["v"]}}
}

type AssignOwnerConfig struct {
	actionBranches
	OwnerId string `json:"ownerId" validate:"required"`
}

func (c *AssignOwnerConfig) ImpliedDelta(map[string]any) model.ContextDelta {
	return model.ContextDelta{Set: map[string]any{FIELD_OWNER: c.OwnerId}}
}

type ChangeStatusConfig struct {
	actionBranches
	Status string `json:"status" validate:"required"`
}

func (c *ChangeStatusConfig) ImpliedDelta(map[string]any) model.ContextDelta {
	return model.ContextDelta{Set: map[string]any{FIELD_STATUS: c.Status}}
}

type UpdateLeadScoreConfig struct {
	actionBranches
	Operation string  `json:"operation" validate:"required,oneof=add subtract set"`
	Amount    float64 `json:"amount"`
}

func (c *UpdateLeadScoreConfig) ImpliedDelta(ctx map[string]any) model.ContextDelta {
	current := 0.0
	if v, err := util.Lookup(ctx, FIELD_LEAD_SCORE); err == nil {
		current = cast.ToFloat64(v)
	}
	switch c.Operation {
	case "add":
		current += c.Amount
	case "subtract":
		current -= c.Amount
	default:
		current = c.Amount
	}
	return model.ContextDelta{Set: map[string]any{FIELD_LEAD_SCORE: current}}
}

type CreateTaskConfig struct {
	actionBranches
	Title      string `json:"title" validate:"required"`
	AssigneeId string `json:"assigneeId,omitempty"`
	DueInDays  int    `json:"dueInDays,omitempty" validate:"gte=0"`
}

type CreateDealConfig struct {
	actionBranches
	Name       string  `json:"name" validate:"required"`
	Value      float64 `json:"value,omitempty" validate:"gte=0"`
	Stage      string  `json:"stage,omitempty"`
	PipelineId string  `json:"pipelineId,omitempty"`
}

// CustomCodeConfig runs a script inside the engine. The script sees the
// enrollment context as `context` and returns an object of fields to set.
type CustomCodeConfig struct {
	actionBranches
	Script    string `json:"script" validate:"required"`
	TimeoutMs int    `json:"timeoutMs,omitempty" validate:"gte=0"`
}
