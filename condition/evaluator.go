package condition

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/util"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// errMissing marks a field absent from the context. It fails the rule
// without being reported as an evaluation error.
var errMissing = errors.New("field missing")

type Input struct {
	Data            map[string]any
	Now             time.Time
	AccountTimezone string
}

// IfElse returns "true" or "false".
func IfElse(g Group, in Input) string {
	if Evaluate(g, in) {
		return model.BRANCH_TRUE
	}
	return model.BRANCH_FALSE
}

// MultiBranch returns the key of the first branch whose group matches, or
// "else".
func MultiBranch(branches []Branch, in Input) string {
	for _, b := range branches {
		if Evaluate(b.Group, in) {
			return b.Key
		}
	}
	return model.BRANCH_ELSE
}

func Evaluate(g Group, in Input) bool {
	matchAny := g.Match == MATCH_ANY
	for _, r := range g.Rules {
		ok, err := EvaluateRule(r, in)
		if err != nil {
			if !errors.Is(err, errMissing) {
				logger.Debug("condition evaluation error", zap.String("field", r.Field), zap.String("operator", string(r.Operator)), zap.Error(err))
			}
			ok = false
		}
		if matchAny && ok {
			return true
		}
		if !matchAny && !ok {
			return false
		}
	}
	return !matchAny
}

// EvaluateRule returns false with a non-nil error when the field is missing
// or has a type the operator cannot work with.
func EvaluateRule(r Rule, in Input) (bool, error) {
	switch r.Operator {
	case OP_IS_EMPTY, OP_IS_NOT_EMPTY:
		v, err := lookup(in.Data, r.Field)
		empty := err != nil || isEmpty(v)
		if r.Operator == OP_IS_EMPTY {
			return empty, nil
		}
		return !empty, nil
	case OP_HAS_TAG, OP_NOT_HAS_TAG:
		return hasTag(r, in)
	case OP_TIME_WINDOW:
		return inTimeWindow(r, in)
	case OP_ACTIVITY_COUNT:
		return activityCount(r, in)
	case OP_PURCHASE_AGGREGATE:
		return purchaseAggregate(r, in)
	}

	v, err := lookup(in.Data, r.Field)
	if err != nil {
		return false, err
	}
	switch r.Operator {
	case OP_EQUALS:
		return equals(v, r.Value), nil
	case OP_NOT_EQUALS:
		return !equals(v, r.Value), nil
	case OP_CONTAINS, OP_NOT_CONTAINS:
		ok, err := contains(v, r.Value)
		if err != nil {
			return false, err
		}
		return ok == (r.Operator == OP_CONTAINS), nil
	case OP_STARTS_WITH, OP_ENDS_WITH:
		s, err := cast.ToStringE(v)
		if err != nil {
			return false, err
		}
		want := cast.ToString(r.Value)
		if r.Operator == OP_STARTS_WITH {
			return strings.HasPrefix(s, want), nil
		}
		return strings.HasSuffix(s, want), nil
	case OP_GREATER_THAN, OP_LESS_THAN:
		return compareNumbers(r.Operator, v, r.Value)
	case OP_BETWEEN:
		if r.Min == nil || r.Max == nil {
			return false, fmt.Errorf("between without bounds")
		}
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return false, err
		}
		return f >= *r.Min && f <= *r.Max, nil
	case OP_IN_LIST, OP_NOT_IN_LIST:
		found := false
		for _, candidate := range r.Values {
			if equals(v, candidate) {
				found = true
				break
			}
		}
		return found == (r.Operator == OP_IN_LIST), nil
	}
	return false, fmt.Errorf("unknown operator %q", r.Operator)
}

func lookup(data map[string]any, field string) (any, error) {
	if field == "" {
		return nil, errMissing
	}
	v, err := util.Lookup(data, field)
	if err != nil || v == nil {
		return nil, errMissing
	}
	return v, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// equals compares numerically when both sides are numbers, otherwise as
// strings.
func equals(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		fa, errA := cast.ToFloat64E(a)
		fb, errB := cast.ToFloat64E(b)
		if errA == nil && errB == nil {
			return fa == fb
		}
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	return errA == nil && errB == nil && sa == sb
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func contains(v any, want any) (bool, error) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if equals(item, want) {
				return true, nil
			}
		}
		return false, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(cast.ToString(want))), nil
}

func compareNumbers(op Operator, v any, want any) (bool, error) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return false, err
	}
	w, err := cast.ToFloat64E(want)
	if err != nil {
		return false, err
	}
	return compareFloat(op, f, w)
}

func compareFloat(op Operator, f, w float64) (bool, error) {
	switch op {
	case OP_GREATER_THAN:
		return f > w, nil
	case OP_LESS_THAN:
		return f < w, nil
	case OP_EQUALS:
		return f == w, nil
	case OP_NOT_EQUALS:
		return f != w, nil
	case "gte":
		return f >= w, nil
	case "lte":
		return f <= w, nil
	}
	return false, fmt.Errorf("unsupported compare %q", op)
}

func hasTag(r Rule, in Input) (bool, error) {
	field := r.Field
	if field == "" {
		field = FIELD_TAGS
	}
	want := strings.ToLower(cast.ToString(r.Value))
	v, err := lookup(in.Data, field)
	if err != nil {
		return false, err
	}
	tags, err := cast.ToStringSliceE(v)
	if err != nil {
		return false, err
	}
	found := false
	for _, t := range tags {
		if strings.ToLower(t) == want {
			found = true
			break
		}
	}
	return found == (r.Operator == OP_HAS_TAG), nil
}

func inTimeWindow(r Rule, in Input) (bool, error) {
	loc, err := resolveLocation(r.Timezone, in)
	if err != nil {
		return false, err
	}
	now := in.Now.In(loc)
	if len(r.Days) > 0 {
		match := false
		for _, d := range r.Days {
			if wd, ok := weekdays[strings.ToLower(d)[:min(3, len(d))]]; ok && wd == now.Weekday() {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}
	if r.Start == "" {
		return true, nil
	}
	start, err := parseClock(r.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(r.End)
	if err != nil {
		return false, err
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	// window wraps past midnight
	return minute >= start || minute < end, nil
}

func resolveLocation(ref TimezoneRef, in Input) (*time.Location, error) {
	name := "UTC"
	switch ref {
	case TZ_ACCOUNT:
		if in.AccountTimezone != "" {
			name = in.AccountTimezone
		}
	case TZ_CONTACT:
		if v, err := lookup(in.Data, FIELD_CONTACT_TIMEZONE); err == nil {
			name = cast.ToString(v)
		} else if in.AccountTimezone != "" {
			name = in.AccountTimezone
		}
	}
	return time.LoadLocation(name)
}

// records reads a list of history entries such as {"type": "email_open",
// "occurredAt": "..."} from the context.
func records(data map[string]any, field string) []map[string]any {
	v, err := lookup(data, field)
	if err != nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func withinWindow(rec map[string]any, days int, now time.Time) bool {
	if days <= 0 {
		return true
	}
	at, err := cast.ToTimeE(rec["occurredAt"])
	if err != nil {
		return false
	}
	return !at.Before(now.AddDate(0, 0, -days)) && !at.After(now)
}

func activityCount(r Rule, in Input) (bool, error) {
	field := r.Field
	if field == "" {
		field = FIELD_ACTIVITY
	}
	count := 0
	for _, rec := range records(in.Data, field) {
		if cast.ToString(rec["type"]) != r.EventType {
			continue
		}
		if withinWindow(rec, r.WindowDays, in.Now) {
			count++
		}
	}
	return compareFloat(r.Compare, float64(count), r.Threshold)
}

func purchaseAggregate(r Rule, in Input) (bool, error) {
	field := r.Field
	if field == "" {
		field = FIELD_PURCHASES
	}
	total := 0.0
	for _, rec := range records(in.Data, field) {
		if !withinWindow(rec, r.WindowDays, in.Now) {
			continue
		}
		if r.Aggregate == "sum" {
			amount, err := cast.ToFloat64E(rec["amount"])
			if err != nil {
				return false, err
			}
			total += amount
		} else {
			total++
		}
	}
	return compareFloat(r.Compare, total, r.Threshold)
}
