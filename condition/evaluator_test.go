package condition

import (
	"testing"
	"time"

	"github.com/mohitkumar/nurture/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(f float64) *float64 { return &f }

func testData() map[string]any {
	return map[string]any{
		"contact": map[string]any{
			"email":      "jane@example.com",
			"first_name": "Jane",
			"lead_score": 42.0,
			"status":     "lead",
			"timezone":   "America/New_York",
			"nickname":   "",
		},
		"tags": []any{"VIP", "newsletter"},
		"activity": []any{
			map[string]any{"type": "email_open", "occurredAt": "2024-03-10T10:00:00Z"},
			map[string]any{"type": "email_open", "occurredAt": "2024-03-12T10:00:00Z"},
			map[string]any{"type": "email_click", "occurredAt": "2024-03-12T11:00:00Z"},
			map[string]any{"type": "email_open", "occurredAt": "2024-01-01T10:00:00Z"},
		},
		"purchases": []any{
			map[string]any{"amount": 120.0, "occurredAt": "2024-03-01T10:00:00Z"},
			map[string]any{"amount": 30.5, "occurredAt": "2024-03-14T10:00:00Z"},
		},
	}
}

func TestEvaluateRule(t *testing.T) {
	// Friday 2024-03-15 14:30 UTC, 10:30 in New York
	now := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)
	in := Input{Data: testData(), Now: now, AccountTimezone: "Europe/Berlin"}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"equals string", Rule{Field: "contact.status", Operator: OP_EQUALS, Value: "lead"}, true},
		{"equals number with int", Rule{Field: "contact.lead_score", Operator: OP_EQUALS, Value: 42}, true},
		{"not equals", Rule{Field: "contact.status", Operator: OP_NOT_EQUALS, Value: "customer"}, true},
		{"not equals missing field", Rule{Field: "contact.phone", Operator: OP_NOT_EQUALS, Value: "x"}, false},
		{"contains ignores case", Rule{Field: "contact.email", Operator: OP_CONTAINS, Value: "EXAMPLE"}, true},
		{"not contains", Rule{Field: "contact.email", Operator: OP_NOT_CONTAINS, Value: "acme"}, true},
		{"starts with", Rule{Field: "contact.first_name", Operator: OP_STARTS_WITH, Value: "Ja"}, true},
		{"ends with", Rule{Field: "contact.email", Operator: OP_ENDS_WITH, Value: ".org"}, false},
		{"is empty on missing", Rule{Field: "contact.phone", Operator: OP_IS_EMPTY}, true},
		{"is empty on blank", Rule{Field: "contact.nickname", Operator: OP_IS_EMPTY}, true},
		{"is not empty", Rule{Field: "contact.email", Operator: OP_IS_NOT_EMPTY}, true},
		{"is not empty on missing", Rule{Field: "contact.phone", Operator: OP_IS_NOT_EMPTY}, false},
		{"greater than false", Rule{Field: "contact.lead_score", Operator: OP_GREATER_THAN, Value: 50}, false},
		{"greater than string value", Rule{Field: "contact.lead_score", Operator: OP_GREATER_THAN, Value: "40"}, true},
		{"less than", Rule{Field: "contact.lead_score", Operator: OP_LESS_THAN, Value: 50}, true},
		{"greater than on text is false", Rule{Field: "contact.email", Operator: OP_GREATER_THAN, Value: 1}, false},
		{"greater than missing", Rule{Field: "contact.age", Operator: OP_GREATER_THAN, Value: 1}, false},
		{"between", Rule{Field: "contact.lead_score", Operator: OP_BETWEEN, Min: fptr(40), Max: fptr(42)}, true},
		{"between outside", Rule{Field: "contact.lead_score", Operator: OP_BETWEEN, Min: fptr(43), Max: fptr(50)}, false},
		{"has tag", Rule{Operator: OP_HAS_TAG, Value: "vip"}, true},
		{"not has tag", Rule{Operator: OP_NOT_HAS_TAG, Value: "churned"}, true},
		{"not has tag on missing field", Rule{Field: "contact.labels", Operator: OP_NOT_HAS_TAG, Value: "vip"}, false},
		{"has tag on missing field", Rule{Field: "contact.labels", Operator: OP_HAS_TAG, Value: "vip"}, false},
		{"in list", Rule{Field: "contact.status", Operator: OP_IN_LIST, Values: []any{"lead", "prospect"}}, true},
		{"not in list", Rule{Field: "contact.status", Operator: OP_NOT_IN_LIST, Values: []any{"lead"}}, false},
		{"window contact timezone", Rule{Operator: OP_TIME_WINDOW, Days: []string{"fri"}, Start: "09:00", End: "11:00", Timezone: TZ_CONTACT}, true},
		{"window utc", Rule{Operator: OP_TIME_WINDOW, Days: []string{"friday"}, Start: "09:00", End: "11:00", Timezone: TZ_UTC}, false},
		{"window account", Rule{Operator: OP_TIME_WINDOW, Start: "15:00", End: "16:00", Timezone: TZ_ACCOUNT}, true},
		{"window wrong day", Rule{Operator: OP_TIME_WINDOW, Days: []string{"mon", "tue"}}, false},
		{"window wraps midnight", Rule{Operator: OP_TIME_WINDOW, Start: "22:00", End: "15:00", Timezone: TZ_UTC}, true},
		{"opened twice in 7 days", Rule{Operator: OP_ACTIVITY_COUNT, EventType: "email_open", WindowDays: 7, Compare: "gte", Threshold: 2}, true},
		{"opened three times in 7 days", Rule{Operator: OP_ACTIVITY_COUNT, EventType: "email_open", WindowDays: 7, Compare: "gte", Threshold: 3}, false},
		{"opened all time", Rule{Operator: OP_ACTIVITY_COUNT, EventType: "email_open", Compare: OP_EQUALS, Threshold: 3}, true},
		{"purchase sum", Rule{Operator: OP_PURCHASE_AGGREGATE, Aggregate: "sum", Compare: OP_GREATER_THAN, Threshold: 150}, true},
		{"purchase sum in window", Rule{Operator: OP_PURCHASE_AGGREGATE, Aggregate: "sum", WindowDays: 7, Compare: OP_GREATER_THAN, Threshold: 150}, false},
		{"purchase count", Rule{Operator: OP_PURCHASE_AGGREGATE, Aggregate: "count", Compare: OP_EQUALS, Threshold: 2}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := EvaluateRule(tc.rule, in)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTypeErrorIsFalseNotFatal(t *testing.T) {
	in := Input{Data: map[string]any{"score": []any{"a"}}, Now: time.Now()}
	ok, err := EvaluateRule(Rule{Field: "score", Operator: OP_GREATER_THAN, Value: 1}, in)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, model.BRANCH_FALSE, IfElse(Group{Rules: []Rule{{Field: "score", Operator: OP_GREATER_THAN, Value: 1}}}, in))
}

func TestTagRulesWithoutTags(t *testing.T) {
	in := Input{Data: map[string]any{"contact": map[string]any{"email": "a@example.com"}}, Now: time.Now()}
	for _, op := range []Operator{OP_HAS_TAG, OP_NOT_HAS_TAG} {
		ok, err := EvaluateRule(Rule{Operator: op, Value: "vip"}, in)
		require.ErrorIs(t, err, errMissing)
		require.False(t, ok, string(op))
	}
	in.Data["tags"] = []any{}
	ok, err := EvaluateRule(Rule{Operator: OP_NOT_HAS_TAG, Value: "vip"}, in)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGroupMatching(t *testing.T) {
	in := Input{Data: testData(), Now: time.Now()}
	high := Rule{Field: "contact.lead_score", Operator: OP_GREATER_THAN, Value: 50}
	vip := Rule{Operator: OP_HAS_TAG, Value: "VIP"}

	require.Equal(t, model.BRANCH_FALSE, IfElse(Group{Rules: []Rule{high, vip}}, in))
	require.Equal(t, model.BRANCH_TRUE, IfElse(Group{Match: MATCH_ANY, Rules: []Rule{high, vip}}, in))

	branches := []Branch{
		{Key: "hot", Group: Group{Rules: []Rule{high}}},
		{Key: "vip", Group: Group{Rules: []Rule{vip}}},
		{Key: "also_vip", Group: Group{Rules: []Rule{vip}}},
	}
	require.Equal(t, "vip", MultiBranch(branches, in))
	require.Equal(t, model.BRANCH_ELSE, MultiBranch(branches[:1], in))
}

func TestCheckRule(t *testing.T) {
	require.NoError(t, CheckRule(Rule{Field: "a", Operator: OP_EQUALS, Value: 1}))
	require.Error(t, CheckRule(Rule{Field: "a", Operator: "matches"}))
	require.Error(t, CheckRule(Rule{Operator: OP_EQUALS, Value: 1}))
	require.Error(t, CheckRule(Rule{Field: "a", Operator: OP_BETWEEN, Min: fptr(5), Max: fptr(1)}))
	require.Error(t, CheckRule(Rule{Operator: OP_TIME_WINDOW, Days: []string{"someday"}}))
	require.Error(t, CheckRule(Rule{Operator: OP_TIME_WINDOW, Start: "25:00", End: "10:00"}))
	require.Error(t, CheckRule(Rule{Operator: OP_ACTIVITY_COUNT, Compare: "gte"}))
	require.NoError(t, CheckRule(Rule{Operator: OP_PURCHASE_AGGREGATE, Aggregate: "sum", Compare: "gte", Threshold: 10}))
}
