package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// Default escalation applied to critical notifications when no rule or
// preference configures one.
const (
	DefaultEscalationTarget       = "on-call-engineer"
	DefaultEscalationChannel      = db.ChannelPager
	DefaultEscalationDelayMinutes = 15
)

// timerHandle abstracts time.Timer so tests can fire timers deterministically.
type timerHandle interface {
	Stop() bool
}

type timerFactory func(d time.Duration, fn func()) timerHandle

type realTimer struct{ *time.Timer }

func defaultTimerFactory(d time.Duration, fn func()) timerHandle {
	return realTimer{time.AfterFunc(d, fn)}
}

type pendingEscalation struct {
	notificationID string
	teamID         string
	ruleID         string
	timer          timerHandle
	item           ScheduledRoute
}

// EscalationManager owns the registry of pending escalation timers. A timer
// fires a secondary notification unless the primary was delivered first;
// delivery cancels it, a hard failure fires it immediately.
type EscalationManager struct {
	clock    clock.Clock
	store    db.DeliveryStatusStore
	queue    RouteQueue
	newTimer timerFactory

	mu      sync.Mutex
	pending map[string]*pendingEscalation
}

func NewEscalationManager(clk clock.Clock, store db.DeliveryStatusStore, queue RouteQueue) *EscalationManager {
	return &EscalationManager{
		clock:    clk,
		store:    store,
		queue:    queue,
		newTimer: defaultTimerFactory,
		pending:  make(map[string]*pendingEscalation),
	}
}

func escalationKey(notificationID, teamID, ruleID string) string {
	return notificationID + "|" + teamID + "|" + ruleID
}

// EscalationNotificationID derives the id of the secondary notification from
// its parent and the triggering rule. The derivation is deterministic so a
// rescheduled timer cannot mint a second id for the same escalation.
func EscalationNotificationID(parentID, ruleID string) string {
	space, err := uuid.Parse(parentID)
	if err != nil {
		space = uuid.NameSpaceOID
	}
	return uuid.NewSHA1(space, []byte(ruleID)).String()
}

// DefaultCriticalEscalation synthesizes the implicit escalation rule for
// critical notifications. The trigger delay comes from team preferences when
// configured.
func DefaultCriticalEscalation(prefs *db.NotificationPreferences) db.EscalationRule {
	delay := DefaultEscalationDelayMinutes
	if prefs != nil && prefs.EscalationDelayMinutes > 0 {
		delay = prefs.EscalationDelayMinutes
	}
	return db.EscalationRule{
		ID:                  "default-critical",
		TriggerAfterMinutes: delay,
		EscalationTarget:    DefaultEscalationTarget,
		EscalationChannel:   DefaultEscalationChannel,
	}
}

// StartTimers registers one timer per escalation rule on the route. Escalation
// routes themselves never register timers, so escalations cannot cascade.
func (m *EscalationManager) StartTimers(item ScheduledRoute) {
	if item.Escalation {
		return
	}

	for _, rule := range item.Route.EscalationRules {
		m.startTimer(item, rule)
	}
}

func (m *EscalationManager) startTimer(item ScheduledRoute, rule db.EscalationRule) {
	teamID := item.Route.Stakeholder.TeamID
	key := escalationKey(item.NotificationID, teamID, rule.ID)

	escItem := ScheduledRoute{
		NotificationID: EscalationNotificationID(item.NotificationID, rule.ID),
		Route: db.NotificationRoute{
			Stakeholder: db.Stakeholder{
				TeamID:   rule.EscalationTarget,
				Role:     "escalation",
				Priority: db.StakeholderPriorityHigh,
			},
			Channels: []string{rule.EscalationChannel},
			Priority: db.RoutePriorityImmediate,
		},
		ChangeDescription: escalationMessage(item, rule),
		Severity:          item.Severity,
		Escalation:        true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[key]; exists {
		return
	}

	p := &pendingEscalation{
		notificationID: item.NotificationID,
		teamID:         teamID,
		ruleID:         rule.ID,
		item:           escItem,
	}
	p.timer = m.newTimer(time.Duration(rule.TriggerAfterMinutes)*time.Minute, func() {
		m.fire(key)
	})
	m.pending[key] = p
}

func escalationMessage(item ScheduledRoute, rule db.EscalationRule) string {
	if rule.MessageTemplate != "" {
		return rule.MessageTemplate
	}
	return fmt.Sprintf("Escalation: notification %s for team %s not delivered within %d minutes: %s",
		item.NotificationID, item.Route.Stakeholder.TeamID, rule.TriggerAfterMinutes, item.ChangeDescription)
}

// fire removes the pending entry and enqueues the escalation route unless the
// primary notification was already delivered to the team.
func (m *EscalationManager) fire(key string) {
	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.deliveredTo(p.notificationID, p.teamID) {
		return
	}

	item := p.item
	item.ReadyAt = m.clock.Now()
	if err := m.queue.Schedule(item); err != nil {
		log.Printf("EscalationManager: failed to enqueue escalation for %s/%s: %v",
			p.notificationID, p.teamID, err)
	}
}

func (m *EscalationManager) deliveredTo(notificationID, teamID string) bool {
	records, err := m.store.ListByNotification(context.Background(), notificationID)
	if err != nil {
		log.Printf("EscalationManager: failed to check delivery of %s: %v", notificationID, err)
		return false
	}
	for _, rec := range records {
		if rec.TeamID == teamID && rec.Status == db.DeliveryStatusDelivered {
			return true
		}
	}
	return false
}

// OnDelivered cancels every pending escalation of a (notification, team) pair.
func (m *EscalationManager) OnDelivered(notificationID, teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, p := range m.pending {
		if p.notificationID == notificationID && p.teamID == teamID {
			p.timer.Stop()
			delete(m.pending, key)
		}
	}
}

// OnHardFailure fires every pending escalation of a (notification, team) pair
// immediately instead of waiting out the timers.
func (m *EscalationManager) OnHardFailure(notificationID, teamID string) {
	m.mu.Lock()
	var keys []string
	for key, p := range m.pending {
		if p.notificationID == notificationID && p.teamID == teamID {
			p.timer.Stop()
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.fire(key)
	}
}

// CancelAll drops every pending escalation of a notification, across teams.
// Used when the whole notification is cancelled.
func (m *EscalationManager) CancelAll(notificationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for key, p := range m.pending {
		if p.notificationID == notificationID {
			p.timer.Stop()
			delete(m.pending, key)
			cancelled++
		}
	}
	return cancelled
}

// PendingCount reports the number of registered timers. Exposed for health
// reporting.
func (m *EscalationManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
