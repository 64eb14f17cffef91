package db

import "time"

// ===========================
// SEVERITY & CHANNEL CONSTANTS
// ===========================

// Severity levels for inbound notification requests
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Delivery channels
const (
	ChannelChat    = "chat"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelPush    = "push"
	ChannelPager   = "pager"
	ChannelWebhook = "webhook"
)

// Stakeholder priority levels
const (
	StakeholderPriorityLow    = "low"
	StakeholderPriorityMedium = "medium"
	StakeholderPriorityHigh   = "high"
)

// Route dispatch priorities
const (
	RoutePriorityImmediate = "immediate"
	RoutePriorityHigh      = "high"
	RoutePriorityNormal    = "normal"
	RoutePriorityLow       = "low"
)

// ===========================
// NOTIFICATION REQUEST MODELS
// ===========================

// Stakeholder identifies one routing target. One request may carry many.
type Stakeholder struct {
	TeamID                  string   `json:"team_id"`
	Role                    string   `json:"role"`
	Priority                string   `json:"priority"` // low, medium, high
	NotificationPreferences []string `json:"notification_preferences,omitempty"`
}

// RequestContext carries the evaluation context submitted with a request.
// Extra holds arbitrary key/values consulted by routing conditions.
type RequestContext struct {
	ServiceType   string            `json:"service_type,omitempty"`
	BusinessHours bool              `json:"business_hours"`
	Weekend       bool              `json:"weekend"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// NotificationRequest is the inbound fan-out request. Immutable once submitted.
type NotificationRequest struct {
	ChangeDescription string         `json:"change_description" binding:"required"`
	Severity          string         `json:"severity" binding:"required,oneof=low medium high critical"`
	Stakeholders      []Stakeholder  `json:"stakeholders" binding:"required"`
	Context           RequestContext `json:"context"`
}

// ===========================
// ROUTING RULE MODELS
// ===========================

// Routing condition types
const (
	ConditionSeverity    = "severity"
	ConditionTeam        = "team"
	ConditionServiceType = "service_type"
	ConditionTimeOfDay   = "time_of_day"
	ConditionDayOfWeek   = "day_of_week"
	ConditionUserRole    = "user_role"
)

// Routing condition operators
const (
	OperatorEquals      = "equals"
	OperatorNotEquals   = "not_equals"
	OperatorIn          = "in"
	OperatorNotIn       = "not_in"
	OperatorGreaterThan = "greater_than"
	OperatorLessThan    = "less_than"
)

// Routing action types
const (
	ActionSendNotification = "send_notification"
	ActionEscalate         = "escalate"
	ActionCreateIssue      = "create_issue"
	ActionSuppress         = "suppress"
)

// RoutingCondition is one predicate in a rule. All conditions of a rule must
// hold (AND semantics). Value is a string for equals/not_equals, an array for
// in/not_in, and a number for greater_than/less_than on time_of_day.
type RoutingCondition struct {
	Type     string      `json:"type"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// RoutingAction is one action contributed by an applicable rule.
type RoutingAction struct {
	Type              string `json:"type"`
	Channel           string `json:"channel,omitempty"`
	DelayMinutes      int    `json:"delay_minutes,omitempty"`
	TemplateID        string `json:"template_id,omitempty"`
	EscalationTarget  string `json:"escalation_target,omitempty"`
	EscalationChannel string `json:"escalation_channel,omitempty"`
	// create_issue fields, consumed by the issue tracker collaborator
	IssueProject string `json:"issue_project,omitempty"`
	IssueType    string `json:"issue_type,omitempty"`
}

// RoutingRule is a declarative condition→action policy. Rules are evaluated
// in priority order (descending, stable) and all applicable rules merge.
type RoutingRule struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Conditions []RoutingCondition `json:"conditions"`
	Actions    []RoutingAction    `json:"actions"`
	Priority   int                `json:"priority"`
	Enabled    bool               `json:"enabled"`
	CreatedAt  time.Time          `json:"created_at,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at,omitempty"`
}

// CreateRoutingRuleRequest creates a new routing rule
type CreateRoutingRuleRequest struct {
	Name       string             `json:"name" binding:"required"`
	Conditions []RoutingCondition `json:"conditions" binding:"required"`
	Actions    []RoutingAction    `json:"actions" binding:"required"`
	Priority   int                `json:"priority"`
	Enabled    *bool              `json:"enabled,omitempty"`
}

// UpdateRoutingRuleRequest updates an existing routing rule
type UpdateRoutingRuleRequest struct {
	Name       *string            `json:"name,omitempty"`
	Conditions []RoutingCondition `json:"conditions,omitempty"`
	Actions    []RoutingAction    `json:"actions,omitempty"`
	Priority   *int               `json:"priority,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
}

// ===========================
// PREFERENCE MODELS
// ===========================

// QuietHours is a per-preference window during which non-critical
// notifications are deferred. Start/End are "HH:MM" strings compared in the
// configured timezone.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// NotificationPreferences is long-lived per-team configuration.
// SeverityThresholds gates whether a severity is delivered at all; only an
// explicit false blocks delivery.
type NotificationPreferences struct {
	TeamID                 string          `json:"team_id"`
	Channels               []string        `json:"channels,omitempty"`
	SeverityThresholds     map[string]bool `json:"severity_thresholds,omitempty"`
	QuietHours             *QuietHours     `json:"quiet_hours,omitempty"`
	EscalationDelayMinutes int             `json:"escalation_delay_minutes,omitempty"`
	UpdatedAt              time.Time       `json:"updated_at,omitempty"`
}

// ===========================
// DERIVED ROUTE MODELS
// ===========================

// EscalationRule triggers a secondary, higher-urgency notification when the
// primary one is not delivered in time.
type EscalationRule struct {
	ID                  string `json:"id"`
	TriggerAfterMinutes int    `json:"trigger_after_minutes"`
	EscalationTarget    string `json:"escalation_target"`
	EscalationChannel   string `json:"escalation_channel"`
	MessageTemplate     string `json:"message_template,omitempty"`
}

// NotificationRoute is computed fresh per stakeholder per request. It is a
// derived artifact, not persisted policy.
type NotificationRoute struct {
	Stakeholder       Stakeholder       `json:"stakeholder"`
	Channels          []string          `json:"channels"`
	Priority          string            `json:"priority"` // immediate, high, normal, low
	DelayMinutes      int               `json:"delay_minutes"`
	EscalationRules   []EscalationRule  `json:"escalation_rules,omitempty"`
	TemplateOverrides map[string]string `json:"template_overrides,omitempty"`
}

// ===========================
// DELIVERY STATUS MODELS
// ===========================

// Delivery status values. A tuple has at most one terminal transition to
// delivered; failed is terminal only once the retry budget is exhausted.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusRetrying  = "retrying"
)

// DeliveryKey identifies the unit of idempotent delivery tracking.
type DeliveryKey struct {
	NotificationID string `json:"notification_id"`
	TeamID         string `json:"team_id"`
	Channel        string `json:"channel"`
}

// DeliveryStatus is the persisted per-tuple delivery record. It doubles as
// the mutual-exclusion marker serializing attempts for one tuple.
type DeliveryStatus struct {
	NotificationID    string     `json:"notification_id"`
	TeamID            string     `json:"team_id"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
}

// Key returns the idempotency key of this record.
func (s *DeliveryStatus) Key() DeliveryKey {
	return DeliveryKey{NotificationID: s.NotificationID, TeamID: s.TeamID, Channel: s.Channel}
}

// ===========================
// RESULT MODELS
// ===========================

// SentNotification is one successfully delivered tuple in the aggregate result.
type SentNotification struct {
	TeamID            string    `json:"team_id"`
	Channel           string    `json:"channel"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

// FailedNotification is one terminally failed tuple in the aggregate result.
type FailedNotification struct {
	TeamID       string `json:"team_id"`
	Channel      string `json:"channel"`
	ErrorMessage string `json:"error_message"`
	RetryCount   int    `json:"retry_count"`
}

// NotificationResult summarizes the initial (non-escalation) fan-out of one
// request. Deferred and retrying tuples are reported in the counters; their
// final outcome is observable via the status query.
type NotificationResult struct {
	NotificationID      string               `json:"notification_id"`
	SentNotifications   []SentNotification   `json:"sent_notifications"`
	FailedNotifications []FailedNotification `json:"failed_notifications"`
	ScheduledCount      int                  `json:"scheduled_count"`
	RetryingCount       int                  `json:"retrying_count"`
	SuppressedCount     int                  `json:"suppressed_count"`
	Summary             string               `json:"summary"`
}
