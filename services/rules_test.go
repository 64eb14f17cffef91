package services

import (
	"testing"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
	"github.com/stretchr/testify/assert"
)

// Tuesday 2024-01-16 14:30 UTC
var testNow = clock.Fixed(time.Date(2024, 1, 16, 14, 30, 0, 0, time.UTC))

func newTestEngine(rules ...db.RoutingRule) *RuleEngine {
	e := NewRuleEngine(testNow)
	e.Replace(rules)
	return e
}

func severityRule(id string, priority int, severity string, actions ...db.RoutingAction) db.RoutingRule {
	return db.RoutingRule{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
		Conditions: []db.RoutingCondition{
			{Type: db.ConditionSeverity, Operator: db.OperatorEquals, Value: severity},
		},
		Actions: actions,
	}
}

func TestApplicableRulesMergesAllMatches(t *testing.T) {
	ruleA := severityRule("a", 100, db.SeverityCritical,
		db.RoutingAction{Type: db.ActionSendNotification, Channel: db.ChannelChat})
	ruleB := severityRule("b", 50, db.SeverityCritical,
		db.RoutingAction{Type: db.ActionSendNotification, Channel: db.ChannelSMS})
	engine := newTestEngine(ruleA, ruleB)

	matched := engine.ApplicableRules(db.Stakeholder{TeamID: "core"}, db.SeverityCritical, db.RequestContext{})

	// Higher priority never short-circuits lower: both contribute.
	assert.Len(t, matched, 2)
	assert.Equal(t, "a", matched[0].ID)
	assert.Equal(t, "b", matched[1].ID)
}

func TestApplicableRulesStableOrderOnEqualPriority(t *testing.T) {
	first := severityRule("first", 10, db.SeverityHigh)
	second := severityRule("second", 10, db.SeverityHigh)
	third := severityRule("third", 20, db.SeverityHigh)
	engine := newTestEngine(first, second, third)

	matched := engine.ApplicableRules(db.Stakeholder{}, db.SeverityHigh, db.RequestContext{})

	assert.Equal(t, []string{"third", "first", "second"},
		[]string{matched[0].ID, matched[1].ID, matched[2].ID})
}

func TestSuppressWinsOverSend(t *testing.T) {
	send := severityRule("send", 100, db.SeverityCritical,
		db.RoutingAction{Type: db.ActionSendNotification, Channel: db.ChannelChat})
	suppress := severityRule("suppress", 50, db.SeverityCritical,
		db.RoutingAction{Type: db.ActionSuppress})
	engine := newTestEngine(send, suppress)

	matched := engine.ApplicableRules(db.Stakeholder{}, db.SeverityCritical, db.RequestContext{})

	assert.True(t, IsSuppressed(matched), "suppress from a lower-priority rule still wins")
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	rule := severityRule("off", 100, db.SeverityLow)
	rule.Enabled = false
	engine := newTestEngine(rule)

	matched := engine.ApplicableRules(db.Stakeholder{}, db.SeverityLow, db.RequestContext{})
	assert.Empty(t, matched)
}

func TestConditionsAreConjunctive(t *testing.T) {
	rule := db.RoutingRule{
		ID: "and", Enabled: true,
		Conditions: []db.RoutingCondition{
			{Type: db.ConditionSeverity, Operator: db.OperatorEquals, Value: "high"},
			{Type: db.ConditionTeam, Operator: db.OperatorEquals, Value: "payments"},
		},
	}
	engine := newTestEngine(rule)

	assert.Len(t, engine.ApplicableRules(db.Stakeholder{TeamID: "payments"}, "high", db.RequestContext{}), 1)
	assert.Empty(t, engine.ApplicableRules(db.Stakeholder{TeamID: "core"}, "high", db.RequestContext{}))
	assert.Empty(t, engine.ApplicableRules(db.Stakeholder{TeamID: "payments"}, "low", db.RequestContext{}))
}

func TestOperators(t *testing.T) {
	tests := []struct {
		name      string
		condition db.RoutingCondition
		want      bool
	}{
		{
			name:      "equals matches",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorEquals, Value: "core"},
			want:      true,
		},
		{
			name:      "not_equals on differing value",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorNotEquals, Value: "payments"},
			want:      true,
		},
		{
			name:      "in with member",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorIn, Value: []interface{}{"core", "infra"}},
			want:      true,
		},
		{
			name:      "in without member",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorIn, Value: []interface{}{"payments"}},
			want:      false,
		},
		{
			name:      "not_in without member",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorNotIn, Value: []interface{}{"payments"}},
			want:      true,
		},
		{
			name:      "in with non-array value never matches",
			condition: db.RoutingCondition{Type: db.ConditionTeam, Operator: db.OperatorIn, Value: "core"},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := db.RoutingRule{ID: "op", Enabled: true, Conditions: []db.RoutingCondition{tt.condition}}
			engine := newTestEngine(rule)
			matched := engine.ApplicableRules(db.Stakeholder{TeamID: "core"}, "high", db.RequestContext{})
			assert.Equal(t, tt.want, len(matched) == 1)
		})
	}
}

func TestTimeOfDayCondition(t *testing.T) {
	// testNow is 14:30, so hour = 14.
	after9 := db.RoutingRule{ID: "after9", Enabled: true, Conditions: []db.RoutingCondition{
		{Type: db.ConditionTimeOfDay, Operator: db.OperatorGreaterThan, Value: float64(9)},
	}}
	before9 := db.RoutingRule{ID: "before9", Enabled: true, Conditions: []db.RoutingCondition{
		{Type: db.ConditionTimeOfDay, Operator: db.OperatorLessThan, Value: float64(9)},
	}}
	engine := newTestEngine(after9, before9)

	matched := engine.ApplicableRules(db.Stakeholder{}, "high", db.RequestContext{})
	assert.Len(t, matched, 1)
	assert.Equal(t, "after9", matched[0].ID)
}

func TestDayOfWeekCondition(t *testing.T) {
	// testNow is a Tuesday.
	rule := db.RoutingRule{ID: "weekday", Enabled: true, Conditions: []db.RoutingCondition{
		{Type: db.ConditionDayOfWeek, Operator: db.OperatorIn, Value: []interface{}{"monday", "tuesday"}},
	}}
	engine := newTestEngine(rule)

	assert.Len(t, engine.ApplicableRules(db.Stakeholder{}, "high", db.RequestContext{}), 1)
}

func TestUnresolvedFieldIsFalseEvenForNotEquals(t *testing.T) {
	rule := db.RoutingRule{ID: "svc", Enabled: true, Conditions: []db.RoutingCondition{
		{Type: db.ConditionServiceType, Operator: db.OperatorNotEquals, Value: "database"},
	}}
	engine := newTestEngine(rule)

	// No service_type in the context: the condition is false, not
	// vacuously true.
	assert.Empty(t, engine.ApplicableRules(db.Stakeholder{}, "high", db.RequestContext{}))
}

func TestExtraContextKeysResolveUnknownConditionTypes(t *testing.T) {
	rule := db.RoutingRule{ID: "region", Enabled: true, Conditions: []db.RoutingCondition{
		{Type: "region", Operator: db.OperatorEquals, Value: "eu-west"},
	}}
	engine := newTestEngine(rule)

	reqCtx := db.RequestContext{Extra: map[string]string{"region": "eu-west"}}
	assert.Len(t, engine.ApplicableRules(db.Stakeholder{}, "high", reqCtx), 1)
}

func TestMutationsAreCopyOnWrite(t *testing.T) {
	engine := newTestEngine(severityRule("a", 1, "low"))
	before := engine.Rules()

	engine.AddRule(severityRule("b", 2, "low"))
	engine.RemoveRule("a")

	// The snapshot taken before the mutations is unchanged.
	assert.Len(t, before, 1)
	assert.Equal(t, "a", before[0].ID)

	after := engine.Rules()
	assert.Len(t, after, 1)
	assert.Equal(t, "b", after[0].ID)
}

func TestUpdateRuleKeepsInsertionPosition(t *testing.T) {
	engine := newTestEngine(severityRule("a", 10, "low"), severityRule("b", 10, "low"))

	updated := severityRule("a", 10, "low")
	updated.Name = "renamed"
	assert.True(t, engine.UpdateRule(updated))

	rules := engine.Rules()
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "renamed", rules[0].Name)

	assert.False(t, engine.UpdateRule(severityRule("ghost", 1, "low")))
}
