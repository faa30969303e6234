package condition

import (
	"fmt"
	"strings"
	"time"
)

type Operator string

const (
	OP_EQUALS             Operator = "equals"
	OP_NOT_EQUALS         Operator = "not_equals"
	OP_CONTAINS           Operator = "contains"
	OP_NOT_CONTAINS       Operator = "not_contains"
	OP_IS_EMPTY           Operator = "is_empty"
	OP_IS_NOT_EMPTY       Operator = "is_not_empty"
	OP_STARTS_WITH        Operator = "starts_with"
	OP_ENDS_WITH          Operator = "ends_with"
	OP_GREATER_THAN       Operator = "greater_than"
	OP_LESS_THAN          Operator = "less_than"
	OP_BETWEEN            Operator = "between"
	OP_HAS_TAG            Operator = "has_tag"
	OP_NOT_HAS_TAG        Operator = "not_has_tag"
	OP_IN_LIST            Operator = "in_list"
	OP_NOT_IN_LIST        Operator = "not_in_list"
	OP_TIME_WINDOW        Operator = "time_window"
	OP_ACTIVITY_COUNT     Operator = "activity_count"
	OP_PURCHASE_AGGREGATE Operator = "purchase_aggregate"
)

type TimezoneRef string

const (
	TZ_CONTACT TimezoneRef = "contact"
	TZ_ACCOUNT TimezoneRef = "account"
	TZ_UTC     TimezoneRef = "utc"
)

const (
	MATCH_ALL = "all"
	MATCH_ANY = "any"
)

// Default context fields read when a rule leaves Field empty.
const (
	FIELD_TAGS             = "tags"
	FIELD_ACTIVITY         = "activity"
	FIELD_PURCHASES        = "purchases"
	FIELD_CONTACT_TIMEZONE = "contact.timezone"
)

type Rule struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`

	// time_window
	Days     []string    `json:"days,omitempty"`
	Start    string      `json:"start,omitempty"`
	End      string      `json:"end,omitempty"`
	Timezone TimezoneRef `json:"timezone,omitempty" validate:"omitempty,oneof=contact account utc"`

	// activity_count and purchase_aggregate
	EventType  string   `json:"eventType,omitempty"`
	WindowDays int      `json:"windowDays,omitempty" validate:"gte=0"`
	Aggregate  string   `json:"aggregate,omitempty" validate:"omitempty,oneof=count sum"`
	Compare    Operator `json:"compare,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
}

type Group struct {
	Match string `json:"match,omitempty" validate:"omitempty,oneof=all any"`
	Rules []Rule `json:"rules" validate:"required,min=1,dive"`
}

type Branch struct {
	Key string `json:"key" validate:"required"`
	Group
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// CheckRule reports configuration problems that can be detected without a
// context: unknown operators and missing operands.
func CheckRule(r Rule) error {
	switch r.Operator {
	case OP_EQUALS, OP_NOT_EQUALS, OP_CONTAINS, OP_NOT_CONTAINS, OP_STARTS_WITH, OP_ENDS_WITH,
		OP_GREATER_THAN, OP_LESS_THAN:
		if r.Field == "" {
			return fmt.Errorf("operator %s requires a field", r.Operator)
		}
		if r.Value == nil {
			return fmt.Errorf("operator %s requires a value", r.Operator)
		}
	case OP_IS_EMPTY, OP_IS_NOT_EMPTY:
		if r.Field == "" {
			return fmt.Errorf("operator %s requires a field", r.Operator)
		}
	case OP_BETWEEN:
		if r.Field == "" || r.Min == nil || r.Max == nil {
			return fmt.Errorf("between requires field, min and max")
		}
		if *r.Min > *r.Max {
			return fmt.Errorf("between min %v greater than max %v", *r.Min, *r.Max)
		}
	case OP_HAS_TAG, OP_NOT_HAS_TAG:
		if r.Value == nil {
			return fmt.Errorf("operator %s requires a tag value", r.Operator)
		}
	case OP_IN_LIST, OP_NOT_IN_LIST:
		if r.Field == "" || len(r.Values) == 0 {
			return fmt.Errorf("operator %s requires a field and values", r.Operator)
		}
	case OP_TIME_WINDOW:
		if len(r.Days) == 0 && r.Start == "" && r.End == "" {
			return fmt.Errorf("time_window requires days or a start/end time")
		}
		for _, d := range r.Days {
			if _, ok := weekdays[strings.ToLower(d)[:min(3, len(d))]]; !ok {
				return fmt.Errorf("unknown weekday %q", d)
			}
		}
		if (r.Start == "") != (r.End == "") {
			return fmt.Errorf("time_window requires both start and end")
		}
		if r.Start != "" {
			if _, err := parseClock(r.Start); err != nil {
				return err
			}
			if _, err := parseClock(r.End); err != nil {
				return err
			}
		}
	case OP_ACTIVITY_COUNT, OP_PURCHASE_AGGREGATE:
		if r.Operator == OP_ACTIVITY_COUNT && r.EventType == "" {
			return fmt.Errorf("activity_count requires eventType")
		}
		switch r.Compare {
		case OP_EQUALS, OP_NOT_EQUALS, OP_GREATER_THAN, OP_LESS_THAN, "gte", "lte":
		default:
			return fmt.Errorf("operator %s has unsupported compare %q", r.Operator, r.Compare)
		}
	default:
		return fmt.Errorf("unknown operator %q", r.Operator)
	}
	return nil
}

// parseClock returns minutes since midnight for "HH:MM".
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
