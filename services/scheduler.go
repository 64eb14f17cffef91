package services

import (
	"errors"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// ErrQueueUnavailable is the scheduling failure surfaced to the caller when
// the deferred queue cannot accept work. Nothing is silently dropped.
var ErrQueueUnavailable = errors.New("deferred delivery queue unavailable")

// ScheduledRoute is the unit of work on the deferred-delivery queue. It
// carries enough request context to render and dispatch without re-reading
// the immutable request.
type ScheduledRoute struct {
	NotificationID    string
	Route             db.NotificationRoute
	ChangeDescription string
	Severity          string
	ReadyAt           time.Time
	// Escalation marks secondary sends triggered by the escalation manager;
	// they never schedule further escalations.
	Escalation bool
}

// RouteQueue is the deferred-delivery queue contract. Implementations release
// items at ReadyAt with at-least-once semantics; the DeliveryStatus
// idempotency key guards against duplicate effect on redelivery.
type RouteQueue interface {
	Schedule(item ScheduledRoute) error
	// Cancel drops all not-yet-released items of one notification and
	// returns how many were removed.
	Cancel(notificationID string) int
}

// DeliveryScheduler computes the effective send delay and dispatch priority
// for a route and enqueues it.
type DeliveryScheduler struct {
	clock clock.Clock
	quiet *QuietHoursCalculator
	queue RouteQueue
}

func NewDeliveryScheduler(clk clock.Clock, quiet *QuietHoursCalculator, queue RouteQueue) *DeliveryScheduler {
	return &DeliveryScheduler{clock: clk, quiet: quiet, queue: queue}
}

// DetermineDelay returns the effective send delay in minutes. Precedence:
// explicit rule delay, quiet-hours exit delay, zero for critical severity,
// off-hours buffering (5 min for high, 15 otherwise), else zero.
func (s *DeliveryScheduler) DetermineDelay(severity string, prefs *db.NotificationPreferences, reqCtx db.RequestContext, rules []db.RoutingRule) int {
	for _, rule := range rules {
		for _, action := range rule.Actions {
			if action.Type == db.ActionSendNotification && action.DelayMinutes > 0 {
				return action.DelayMinutes
			}
		}
	}

	if s.quiet.IsQuietNow(prefs) {
		if delay, err := s.quiet.DelayUntilQuietHoursEnd(prefs); err == nil && delay > 0 {
			return delay
		}
	}

	if severity == db.SeverityCritical {
		return 0
	}

	if !reqCtx.BusinessHours {
		if severity == db.SeverityHigh {
			return 5
		}
		return 15
	}

	return 0
}

// DeterminePriority maps severity, stakeholder priority and rule actions to
// the route dispatch priority.
func DeterminePriority(severity, stakeholderPriority string, rules []db.RoutingRule) string {
	if severity == db.SeverityCritical || hasEscalateAction(rules) {
		return db.RoutePriorityImmediate
	}
	if severity == db.SeverityHigh || stakeholderPriority == db.StakeholderPriorityHigh {
		return db.RoutePriorityHigh
	}
	if severity == db.SeverityMedium {
		return db.RoutePriorityNormal
	}
	return db.RoutePriorityLow
}

func hasEscalateAction(rules []db.RoutingRule) bool {
	for _, rule := range rules {
		for _, action := range rule.Actions {
			if action.Type == db.ActionEscalate {
				return true
			}
		}
	}
	return false
}

// Enqueue places a route on the deferred queue, ReadyAt derived from the
// route's delay.
func (s *DeliveryScheduler) Enqueue(item ScheduledRoute) error {
	if item.ReadyAt.IsZero() {
		item.ReadyAt = s.clock.Now().Add(time.Duration(item.Route.DelayMinutes) * time.Minute)
	}
	if err := s.queue.Schedule(item); err != nil {
		return errors.Join(ErrQueueUnavailable, err)
	}
	return nil
}

// BackoffDelay returns the capped exponential retry delay for the given
// attempt (1-based): min(max, base * 2^(attempt-1)).
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
