package model

import "time"

// Domain event types emitted by the email, SMS, call, webform and commerce
// subsystems. Trigger and wait_event nodes match on these strings, but any
// non-empty type is accepted.
const (
	EVENT_TAG_ADDED         = "tag_added"
	EVENT_TAG_REMOVED       = "tag_removed"
	EVENT_EMAIL_OPEN        = "email_open"
	EVENT_EMAIL_CLICK       = "email_click"
	EVENT_EMAIL_REPLY       = "email_reply"
	EVENT_EMAIL_BOUNCE      = "email_bounce"
	EVENT_EMAIL_UNSUBSCRIBE = "email_unsubscribe"
	EVENT_SMS_DELIVERED     = "sms_delivered"
	EVENT_SMS_FAILED        = "sms_failed"
	EVENT_SMS_REPLY         = "sms_reply"
	EVENT_CALL_COMPLETED    = "call_completed"
	EVENT_CALL_MISSED       = "call_missed"
	EVENT_FORM_SUBMITTED    = "form_submitted"
	EVENT_PURCHASE_MADE     = "purchase_made"
)

type DomainEvent struct {
	Id         string         `json:"id"`
	Type       string         `json:"type" validate:"required"`
	ContactId  string         `json:"contactId" validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ContextDelta is the change an action reports back to the enrollment
// context so later nodes in the same step observe it.
type ContextDelta struct {
	Set        map[string]any `json:"set,omitempty"`
	Unset      []string       `json:"unset,omitempty"`
	AddTags    []string       `json:"addTags,omitempty"`
	RemoveTags []string       `json:"removeTags,omitempty"`
}

func (d ContextDelta) IsEmpty() bool {
	return len(d.Set) == 0 && len(d.Unset) == 0 && len(d.AddTags) == 0 && len(d.RemoveTags) == 0
}
