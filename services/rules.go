package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// RuleEngine evaluates the routing rule library against a request context and
// stakeholder. The rule list is a copy-on-write snapshot swapped atomically on
// every mutation, so in-flight evaluations always see a consistent version.
type RuleEngine struct {
	clock    clock.Clock
	mu       sync.Mutex // serializes writers; readers load the snapshot
	snapshot atomic.Value
}

func NewRuleEngine(clk clock.Clock) *RuleEngine {
	e := &RuleEngine{clock: clk}
	e.snapshot.Store([]db.RoutingRule{})
	return e
}

// Rules returns the current snapshot in insertion order.
func (e *RuleEngine) Rules() []db.RoutingRule {
	return e.snapshot.Load().([]db.RoutingRule)
}

// Replace installs a whole new rule set (startup load, admin reload).
func (e *RuleEngine) Replace(rules []db.RoutingRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]db.RoutingRule, len(rules))
	copy(cp, rules)
	e.snapshot.Store(cp)
}

// AddRule appends a rule; insertion order is the tiebreak for equal priorities.
func (e *RuleEngine) AddRule(rule db.RoutingRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.snapshot.Load().([]db.RoutingRule)
	next := make([]db.RoutingRule, len(current), len(current)+1)
	copy(next, current)
	next = append(next, rule)
	e.snapshot.Store(next)
}

// UpdateRule replaces the rule with the same ID in place, keeping its
// insertion position. Returns false when the rule is unknown.
func (e *RuleEngine) UpdateRule(rule db.RoutingRule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.snapshot.Load().([]db.RoutingRule)
	next := make([]db.RoutingRule, len(current))
	copy(next, current)
	for i := range next {
		if next[i].ID == rule.ID {
			next[i] = rule
			e.snapshot.Store(next)
			return true
		}
	}
	return false
}

// RemoveRule deletes a rule by ID. Returns false when the rule is unknown.
func (e *RuleEngine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.snapshot.Load().([]db.RoutingRule)
	next := make([]db.RoutingRule, 0, len(current))
	found := false
	for _, r := range current {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if found {
		e.snapshot.Store(next)
	}
	return found
}

// ApplicableRules returns every enabled rule whose full condition list holds
// for the stakeholder/severity/context, sorted by priority descending with
// insertion order as the stable tiebreak. No rule short-circuits another: all
// applicable rules contribute actions.
func (e *RuleEngine) ApplicableRules(st db.Stakeholder, severity string, reqCtx db.RequestContext) []db.RoutingRule {
	var matched []db.RoutingRule
	for _, rule := range e.Rules() {
		if !rule.Enabled {
			continue
		}
		if e.ruleMatches(rule, st, severity, reqCtx) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// IsSuppressed reports whether any applicable rule carries a suppress action.
// Suppression is absolute: the stakeholder receives no notification at all.
func IsSuppressed(rules []db.RoutingRule) bool {
	for _, rule := range rules {
		for _, action := range rule.Actions {
			if action.Type == db.ActionSuppress {
				return true
			}
		}
	}
	return false
}

func (e *RuleEngine) ruleMatches(rule db.RoutingRule, st db.Stakeholder, severity string, reqCtx db.RequestContext) bool {
	for _, cond := range rule.Conditions {
		if !e.evaluateCondition(cond, st, severity, reqCtx) {
			return false
		}
	}
	return true
}

func (e *RuleEngine) evaluateCondition(cond db.RoutingCondition, st db.Stakeholder, severity string, reqCtx db.RequestContext) bool {
	switch cond.Type {
	case db.ConditionTimeOfDay:
		return e.evaluateTimeOfDay(cond)
	case db.ConditionDayOfWeek:
		day := strings.ToLower(e.clock.Now().Weekday().String())
		return matchString(day, cond.Operator, cond.Value)
	default:
		field, ok := resolveContextField(cond.Type, st, severity, reqCtx)
		if !ok {
			// Unresolved field: the condition is false, including not_equals.
			return false
		}
		return matchString(field, cond.Operator, cond.Value)
	}
}

// evaluateTimeOfDay compares the current hour against a numeric threshold.
// The comparison runs in local evaluation time; there is no timezone
// parameter on this condition type.
func (e *RuleEngine) evaluateTimeOfDay(cond db.RoutingCondition) bool {
	hour := float64(e.clock.Now().Hour())
	switch cond.Operator {
	case db.OperatorGreaterThan:
		threshold, ok := asNumber(cond.Value)
		return ok && hour > threshold
	case db.OperatorLessThan:
		threshold, ok := asNumber(cond.Value)
		return ok && hour < threshold
	default:
		return matchString(strconv.Itoa(int(hour)), cond.Operator, cond.Value)
	}
}

// resolveContextField maps a condition type to its value in the evaluation
// context. Unknown types fall back to the request's extra key/values.
func resolveContextField(condType string, st db.Stakeholder, severity string, reqCtx db.RequestContext) (string, bool) {
	switch condType {
	case db.ConditionSeverity:
		return severity, severity != ""
	case db.ConditionTeam:
		return st.TeamID, st.TeamID != ""
	case db.ConditionUserRole:
		return st.Role, st.Role != ""
	case db.ConditionServiceType:
		return reqCtx.ServiceType, reqCtx.ServiceType != ""
	default:
		v, ok := reqCtx.Extra[condType]
		return v, ok
	}
}

func matchString(field, operator string, value interface{}) bool {
	switch operator {
	case db.OperatorEquals:
		return field == asString(value)
	case db.OperatorNotEquals:
		return field != asString(value)
	case db.OperatorIn:
		arr, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if field == asString(item) {
				return true
			}
		}
		return false
	case db.OperatorNotIn:
		arr, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range arr {
			if field == asString(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ===========================
// RULE PERSISTENCE
// ===========================

// RuleService persists the routing rule library in Postgres and keeps the
// in-memory engine snapshot in sync. The position column preserves insertion
// order across restarts so priority ties break the same way after a reload.
type RuleService struct {
	PG     *sql.DB
	Engine *RuleEngine
}

func NewRuleService(pg *sql.DB, engine *RuleEngine) *RuleService {
	return &RuleService{PG: pg, Engine: engine}
}

// Load reads the full rule library and installs it as the engine snapshot.
func (s *RuleService) Load(ctx context.Context) error {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, name, conditions, actions, priority, enabled, created_at, updated_at
		FROM routing_rules
		ORDER BY position ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to load routing rules: %w", err)
	}
	defer rows.Close()

	var rules []db.RoutingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return fmt.Errorf("failed to scan routing rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.Engine.Replace(rules)
	return nil
}

// ListRules returns the engine snapshot (insertion order).
func (s *RuleService) ListRules() []db.RoutingRule {
	return s.Engine.Rules()
}

// GetRule retrieves a single rule from the snapshot.
func (s *RuleService) GetRule(id string) (*db.RoutingRule, error) {
	for _, rule := range s.Engine.Rules() {
		if rule.ID == id {
			return &rule, nil
		}
	}
	return nil, fmt.Errorf("routing rule not found: %s", id)
}

// CreateRule persists a new rule and appends it to the engine snapshot.
func (s *RuleService) CreateRule(ctx context.Context, req db.CreateRoutingRuleRequest) (*db.RoutingRule, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := db.RoutingRule{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Conditions: req.Conditions,
		Actions:    req.Actions,
		Priority:   req.Priority,
		Enabled:    enabled,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	_, err = s.PG.ExecContext(ctx, `
		INSERT INTO routing_rules (id, name, conditions, actions, priority, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rule.ID, rule.Name, conditionsJSON, actionsJSON, rule.Priority, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert routing rule: %w", err)
	}

	s.Engine.AddRule(rule)
	return &rule, nil
}

// UpdateRule applies a partial update and swaps the engine snapshot.
func (s *RuleService) UpdateRule(ctx context.Context, id string, req db.UpdateRoutingRuleRequest) (*db.RoutingRule, error) {
	existing, err := s.GetRule(id)
	if err != nil {
		return nil, err
	}

	rule := *existing
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Conditions != nil {
		rule.Conditions = req.Conditions
	}
	if req.Actions != nil {
		rule.Actions = req.Actions
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = time.Now().UTC()

	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	_, err = s.PG.ExecContext(ctx, `
		UPDATE routing_rules
		SET name = $2, conditions = $3, actions = $4, priority = $5, enabled = $6, updated_at = $7
		WHERE id = $1
	`, rule.ID, rule.Name, conditionsJSON, actionsJSON, rule.Priority, rule.Enabled, rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update routing rule: %w", err)
	}

	s.Engine.UpdateRule(rule)
	return &rule, nil
}

// DeleteRule removes a rule from storage and the engine snapshot.
func (s *RuleService) DeleteRule(ctx context.Context, id string) error {
	result, err := s.PG.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete routing rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("routing rule not found: %s", id)
	}

	s.Engine.RemoveRule(id)
	return nil
}

func scanRule(rows *sql.Rows) (*db.RoutingRule, error) {
	var rule db.RoutingRule
	var conditionsJSON, actionsJSON []byte

	err := rows.Scan(
		&rule.ID, &rule.Name, &conditionsJSON, &actionsJSON,
		&rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions for rule %s: %w", rule.ID, err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
			return nil, fmt.Errorf("invalid actions for rule %s: %w", rule.ID, err)
		}
	}

	return &rule, nil
}
