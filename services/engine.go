package services

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// PreferenceGetter is the slice of PreferencesService the engine needs.
type PreferenceGetter interface {
	GetPreferences(ctx context.Context, teamID string) (*db.NotificationPreferences, error)
}

// NotificationEngine is the request-facing facade: it turns one immutable
// notification request into per-stakeholder routes and drives them through
// scheduling, dispatch and escalation.
type NotificationEngine struct {
	clock      clock.Clock
	rules      *RuleEngine
	prefs      PreferenceGetter
	scheduler  *DeliveryScheduler
	dispatcher *Dispatcher
	escalation *EscalationManager
	issues     IssueCreator
	store      db.DeliveryStatusStore
	queue      RouteQueue
}

func NewNotificationEngine(clk clock.Clock, rules *RuleEngine, prefs PreferenceGetter,
	scheduler *DeliveryScheduler, dispatcher *Dispatcher, escalation *EscalationManager,
	issues IssueCreator, store db.DeliveryStatusStore, queue RouteQueue) *NotificationEngine {
	return &NotificationEngine{
		clock:      clk,
		rules:      rules,
		prefs:      prefs,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		escalation: escalation,
		issues:     issues,
		store:      store,
		queue:      queue,
	}
}

// Submit routes and dispatches one notification request. Routes with no delay
// are dispatched synchronously; delayed routes are enqueued and reported in
// ScheduledCount. The returned result covers the initial fan-out only;
// retries, deferred sends and escalations surface through the status query.
func (e *NotificationEngine) Submit(ctx context.Context, req db.NotificationRequest) (*db.NotificationResult, error) {
	return e.submit(ctx, req, false)
}

// SubmitAsync enqueues every route, including zero-delay ones, and returns
// immediately with the scheduled counts.
func (e *NotificationEngine) SubmitAsync(ctx context.Context, req db.NotificationRequest) (*db.NotificationResult, error) {
	return e.submit(ctx, req, true)
}

func (e *NotificationEngine) submit(ctx context.Context, req db.NotificationRequest, async bool) (*db.NotificationResult, error) {
	if len(req.Stakeholders) == 0 {
		return nil, fmt.Errorf("notification request has no stakeholders")
	}

	result := &db.NotificationResult{
		NotificationID:      uuid.New().String(),
		SentNotifications:   []db.SentNotification{},
		FailedNotifications: []db.FailedNotification{},
	}

	// create_issue is a request-level side effect: fire once per rule even
	// when the rule applies to several stakeholders.
	issuedRules := make(map[string]bool)

	for _, st := range req.Stakeholders {
		prefs := e.lookupPreferences(ctx, st.TeamID)

		if blockedByThreshold(prefs, req.Severity) {
			result.SuppressedCount++
			continue
		}

		rules := e.rules.ApplicableRules(st, req.Severity, req.Context)
		if IsSuppressed(rules) {
			result.SuppressedCount++
			continue
		}

		e.createIssues(ctx, req, rules, issuedRules)

		route := e.buildRoute(st, req, prefs, rules)
		item := ScheduledRoute{
			NotificationID:    result.NotificationID,
			Route:             route,
			ChangeDescription: req.ChangeDescription,
			Severity:          req.Severity,
		}

		e.escalation.StartTimers(item)

		if !async && route.DelayMinutes == 0 {
			dr := e.dispatcher.DispatchRoute(ctx, item)
			result.SentNotifications = append(result.SentNotifications, dr.Sent...)
			result.FailedNotifications = append(result.FailedNotifications, dr.Failed...)
			result.RetryingCount += dr.Retrying
			continue
		}

		if err := e.scheduler.Enqueue(item); err != nil {
			return nil, err
		}
		result.ScheduledCount += len(route.Channels)
	}

	result.Summary = fmt.Sprintf("delivered %d, failed %d, scheduled %d, retrying %d, suppressed %d",
		len(result.SentNotifications), len(result.FailedNotifications),
		result.ScheduledCount, result.RetryingCount, result.SuppressedCount)
	return result, nil
}

// lookupPreferences treats a broken preference source as "no preferences":
// the stakeholder still gets routed on severity defaults.
func (e *NotificationEngine) lookupPreferences(ctx context.Context, teamID string) *db.NotificationPreferences {
	if e.prefs == nil {
		return nil
	}
	prefs, err := e.prefs.GetPreferences(ctx, teamID)
	if err != nil {
		if err != ErrPreferencesNotFound {
			log.Printf("NotificationEngine: preference lookup for team %s failed, using defaults: %v", teamID, err)
		}
		return nil
	}
	return prefs
}

// blockedByThreshold gates delivery on the per-team severity switches. Only an
// explicit false blocks; absent keys deliver.
func blockedByThreshold(prefs *db.NotificationPreferences, severity string) bool {
	if prefs == nil || prefs.SeverityThresholds == nil {
		return false
	}
	enabled, ok := prefs.SeverityThresholds[severity]
	return ok && !enabled
}

func (e *NotificationEngine) buildRoute(st db.Stakeholder, req db.NotificationRequest,
	prefs *db.NotificationPreferences, rules []db.RoutingRule) db.NotificationRoute {
	route := db.NotificationRoute{
		Stakeholder:       st,
		Channels:          ResolveChannels(st, req.Severity, prefs, rules),
		Priority:          DeterminePriority(req.Severity, st.Priority, rules),
		DelayMinutes:      e.scheduler.DetermineDelay(req.Severity, prefs, req.Context, rules),
		EscalationRules:   collectEscalationRules(req.Severity, prefs, rules),
		TemplateOverrides: collectTemplateOverrides(rules),
	}
	return route
}

// collectEscalationRules gathers escalate actions from the applicable rules.
// Critical notifications always carry at least the default escalation.
func collectEscalationRules(severity string, prefs *db.NotificationPreferences, rules []db.RoutingRule) []db.EscalationRule {
	var out []db.EscalationRule
	for _, rule := range rules {
		for i, action := range rule.Actions {
			if action.Type != db.ActionEscalate {
				continue
			}
			esc := db.EscalationRule{
				ID:                  fmt.Sprintf("%s-%d", rule.ID, i),
				TriggerAfterMinutes: action.DelayMinutes,
				EscalationTarget:    action.EscalationTarget,
				EscalationChannel:   action.EscalationChannel,
			}
			if esc.TriggerAfterMinutes <= 0 {
				esc.TriggerAfterMinutes = DefaultCriticalEscalation(prefs).TriggerAfterMinutes
			}
			if esc.EscalationTarget == "" {
				esc.EscalationTarget = DefaultEscalationTarget
			}
			if esc.EscalationChannel == "" {
				esc.EscalationChannel = DefaultEscalationChannel
			}
			out = append(out, esc)
		}
	}

	if severity == db.SeverityCritical && len(out) == 0 {
		out = append(out, DefaultCriticalEscalation(prefs))
	}
	return out
}

// collectTemplateOverrides maps channel -> template id from send_notification
// actions. Higher-priority rules come first in the slice and win conflicts.
func collectTemplateOverrides(rules []db.RoutingRule) map[string]string {
	var overrides map[string]string
	for _, rule := range rules {
		for _, action := range rule.Actions {
			if action.Type != db.ActionSendNotification || action.TemplateID == "" || action.Channel == "" {
				continue
			}
			if overrides == nil {
				overrides = make(map[string]string)
			}
			if _, exists := overrides[action.Channel]; !exists {
				overrides[action.Channel] = action.TemplateID
			}
		}
	}
	return overrides
}

func (e *NotificationEngine) createIssues(ctx context.Context, req db.NotificationRequest,
	rules []db.RoutingRule, issued map[string]bool) {
	if e.issues == nil {
		return
	}
	for _, rule := range rules {
		if issued[rule.ID] {
			continue
		}
		for _, action := range rule.Actions {
			if action.Type != db.ActionCreateIssue {
				continue
			}
			issued[rule.ID] = true
			if _, err := e.issues.CreateIssue(ctx, action, req.ChangeDescription); err != nil {
				// Tracker failures never block notification delivery.
				log.Printf("NotificationEngine: create_issue for rule %s failed: %v", rule.ID, err)
			}
			break
		}
	}
}

// GetStatus returns every per-tuple delivery record of one notification.
func (e *NotificationEngine) GetStatus(ctx context.Context, notificationID string) ([]db.DeliveryStatus, error) {
	records, err := e.store.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, db.ErrStatusNotFound
	}
	return records, nil
}

// Cancel drops the not-yet-released queue items and pending escalations of a
// notification. Already-dispatched tuples are unaffected.
func (e *NotificationEngine) Cancel(notificationID string) (dropped, escalationsCancelled int) {
	dropped = e.queue.Cancel(notificationID)
	escalationsCancelled = e.escalation.CancelAll(notificationID)
	return dropped, escalationsCancelled
}
