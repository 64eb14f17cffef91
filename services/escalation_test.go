package services

import (
	"context"
	"testing"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	already := t.stopped
	t.stopped = true
	return !already
}

// manualTimers captures created timers so tests fire them explicitly.
type manualTimers struct {
	created []*manualTimer
}

func (m *manualTimers) factory(d time.Duration, fn func()) timerHandle {
	timer := &manualTimer{d: d, fn: fn}
	m.created = append(m.created, timer)
	return timer
}

type escalationFixture struct {
	store  *db.MemoryStatusStore
	queue  *fakeQueue
	timers *manualTimers
	m      *EscalationManager
}

func newEscalationFixture() *escalationFixture {
	f := &escalationFixture{
		store:  db.NewMemoryStatusStore(),
		queue:  &fakeQueue{},
		timers: &manualTimers{},
	}
	f.m = NewEscalationManager(testNow, f.store, f.queue)
	f.m.newTimer = f.timers.factory
	return f
}

func escalatingRoute(notificationID string, rules ...db.EscalationRule) ScheduledRoute {
	return ScheduledRoute{
		NotificationID: notificationID,
		Route: db.NotificationRoute{
			Stakeholder:     db.Stakeholder{TeamID: "core"},
			Channels:        []string{db.ChannelChat},
			EscalationRules: rules,
		},
		ChangeDescription: "cache cluster degraded",
		Severity:          db.SeverityCritical,
	}
}

func defaultRule() db.EscalationRule {
	return db.EscalationRule{
		ID:                  "default-critical",
		TriggerAfterMinutes: 15,
		EscalationTarget:    DefaultEscalationTarget,
		EscalationChannel:   DefaultEscalationChannel,
	}
}

func TestTimerFiresEscalationWhenUndelivered(t *testing.T) {
	f := newEscalationFixture()
	f.m.StartTimers(escalatingRoute("n1", defaultRule()))

	require.Len(t, f.timers.created, 1)
	assert.Equal(t, 15*time.Minute, f.timers.created[0].d)

	f.timers.created[0].fn()

	require.Len(t, f.queue.items, 1)
	esc := f.queue.items[0]
	assert.Equal(t, EscalationNotificationID("n1", "default-critical"), esc.NotificationID)
	assert.Equal(t, DefaultEscalationTarget, esc.Route.Stakeholder.TeamID)
	assert.Equal(t, []string{db.ChannelPager}, esc.Route.Channels)
	assert.Equal(t, db.RoutePriorityImmediate, esc.Route.Priority)
	assert.True(t, esc.Escalation)
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestDeliveryCancelsPendingEscalation(t *testing.T) {
	f := newEscalationFixture()
	f.m.StartTimers(escalatingRoute("n1", defaultRule()))

	f.m.OnDelivered("n1", "core")
	assert.Equal(t, 0, f.m.PendingCount())
	assert.True(t, f.timers.created[0].stopped)

	// A timer callback racing the cancellation is a no-op.
	f.timers.created[0].fn()
	assert.Empty(t, f.queue.items)
}

func TestFireSkipsWhenAlreadyDelivered(t *testing.T) {
	f := newEscalationFixture()
	f.m.StartTimers(escalatingRoute("n1", defaultRule()))

	// The primary was delivered but the cancel signal was lost: the firing
	// timer re-checks the store and stands down.
	ctx := context.Background()
	key := db.DeliveryKey{NotificationID: "n1", TeamID: "core", Channel: db.ChannelChat}
	_, _, err := f.store.Acquire(ctx, key, testNow.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.MarkDelivered(ctx, key, "ext-1", testNow.Now()))

	f.timers.created[0].fn()
	assert.Empty(t, f.queue.items)
}

func TestHardFailureFiresEscalationImmediately(t *testing.T) {
	f := newEscalationFixture()
	f.m.StartTimers(escalatingRoute("n1", defaultRule()))

	f.m.OnHardFailure("n1", "core")

	require.Len(t, f.queue.items, 1)
	assert.True(t, f.timers.created[0].stopped, "the 15-minute timer is abandoned")
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestEscalationRoutesNeverCascade(t *testing.T) {
	f := newEscalationFixture()

	item := escalatingRoute("n1", defaultRule())
	item.Escalation = true
	f.m.StartTimers(item)

	assert.Empty(t, f.timers.created)
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestCancelAllDropsEveryTeam(t *testing.T) {
	f := newEscalationFixture()
	f.m.StartTimers(escalatingRoute("n1", defaultRule()))

	other := escalatingRoute("n1", defaultRule())
	other.Route.Stakeholder.TeamID = "infra"
	f.m.StartTimers(other)

	assert.Equal(t, 2, f.m.CancelAll("n1"))
	assert.Equal(t, 0, f.m.PendingCount())
}

func TestEscalationNotificationIDIsDeterministic(t *testing.T) {
	a := EscalationNotificationID("6ba7b810-9dad-11d1-80b4-00c04fd430c8", "rule-1")
	b := EscalationNotificationID("6ba7b810-9dad-11d1-80b4-00c04fd430c8", "rule-1")
	c := EscalationNotificationID("6ba7b810-9dad-11d1-80b4-00c04fd430c8", "rule-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDefaultCriticalEscalation(t *testing.T) {
	rule := DefaultCriticalEscalation(nil)
	assert.Equal(t, 15, rule.TriggerAfterMinutes)
	assert.Equal(t, "on-call-engineer", rule.EscalationTarget)
	assert.Equal(t, db.ChannelPager, rule.EscalationChannel)

	rule = DefaultCriticalEscalation(&db.NotificationPreferences{EscalationDelayMinutes: 30})
	assert.Equal(t, 30, rule.TriggerAfterMinutes)
}
