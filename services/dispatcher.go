package services

import (
	"context"
	"log"
	"time"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/internal/clock"
)

// EscalationNotifier receives delivery outcomes that affect pending
// escalation timers.
type EscalationNotifier interface {
	// OnDelivered cancels pending escalations for a (notification, team) pair.
	OnDelivered(notificationID, teamID string)
	// OnHardFailure fires pending escalations immediately instead of waiting
	// out their timers.
	OnHardFailure(notificationID, teamID string)
}

// DispatchResult aggregates the per-channel outcomes of dispatching one route.
type DispatchResult struct {
	Sent     []db.SentNotification
	Failed   []db.FailedNotification
	Retrying int
	Skipped  int
}

// Dispatcher executes the actual per-channel sends for a released route. Every
// send attempt is serialized through the status store's Acquire check-and-set,
// so redeliveries and concurrent workers cannot double-send a tuple.
type Dispatcher struct {
	clock      clock.Clock
	store      db.DeliveryStatusStore
	adapters   *AdapterRegistry
	templates  *TemplateService
	scheduler  *DeliveryScheduler
	escalation EscalationNotifier

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewDispatcher(clk clock.Clock, store db.DeliveryStatusStore, adapters *AdapterRegistry,
	templates *TemplateService, scheduler *DeliveryScheduler, escalation EscalationNotifier,
	maxAttempts int, baseBackoff, maxBackoff time.Duration) *Dispatcher {
	return &Dispatcher{
		clock:       clk,
		store:       store,
		adapters:    adapters,
		templates:   templates,
		scheduler:   scheduler,
		escalation:  escalation,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

// DispatchRoute attempts delivery on every channel of the route. Failures on
// one channel never block the remaining channels.
func (d *Dispatcher) DispatchRoute(ctx context.Context, item ScheduledRoute) DispatchResult {
	var result DispatchResult

	for _, channel := range item.Route.Channels {
		key := db.DeliveryKey{
			NotificationID: item.NotificationID,
			TeamID:         item.Route.Stakeholder.TeamID,
			Channel:        channel,
		}
		outcome := d.dispatchChannel(ctx, item, key)
		switch outcome.kind {
		case outcomeDelivered:
			result.Sent = append(result.Sent, db.SentNotification{
				TeamID:            key.TeamID,
				Channel:           key.Channel,
				ExternalMessageID: outcome.externalID,
				SentAt:            outcome.at,
			})
		case outcomeFailed:
			result.Failed = append(result.Failed, db.FailedNotification{
				TeamID:       key.TeamID,
				Channel:      key.Channel,
				ErrorMessage: outcome.errMsg,
				RetryCount:   outcome.attempts,
			})
		case outcomeRetrying:
			result.Retrying++
		case outcomeSkipped:
			result.Skipped++
		}
	}
	return result
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeDelivered
	outcomeFailed
	outcomeRetrying
)

type channelOutcome struct {
	kind       outcomeKind
	externalID string
	errMsg     string
	attempts   int
	at         time.Time
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, item ScheduledRoute, key db.DeliveryKey) channelOutcome {
	now := d.clock.Now()

	rec, acquired, err := d.store.Acquire(ctx, key, now)
	if err != nil {
		log.Printf("Dispatcher: failed to acquire %s/%s/%s: %v",
			key.NotificationID, key.TeamID, key.Channel, err)
		return channelOutcome{kind: outcomeSkipped}
	}
	if !acquired {
		// Already delivered, terminally failed, claimed by another worker, or
		// not yet due. Redelivered queue items land here and become no-ops.
		return channelOutcome{kind: outcomeSkipped}
	}

	attempt := rec.Attempts + 1
	message, err := d.templates.Render(key.Channel, item.Route.TemplateOverrides, MessageData{
		ChangeDescription: item.ChangeDescription,
		Severity:          item.Severity,
		TeamID:            key.TeamID,
		Role:              item.Route.Stakeholder.Role,
		Escalation:        item.Escalation,
	})
	if err != nil {
		return d.handleFailure(ctx, item, key, attempt, NewPermanentChannelError(key.Channel, err))
	}

	sender, err := d.adapters.Sender(key.Channel)
	if err != nil {
		return d.handleFailure(ctx, item, key, attempt, err)
	}

	externalID, err := sender.Send(ctx, key.Channel, item.Route.Stakeholder, message)
	if err != nil {
		return d.handleFailure(ctx, item, key, attempt, err)
	}

	deliveredAt := d.clock.Now()
	if err := d.store.MarkDelivered(ctx, key, externalID, deliveredAt); err != nil {
		log.Printf("Dispatcher: failed to mark %s/%s/%s delivered: %v",
			key.NotificationID, key.TeamID, key.Channel, err)
	}
	if d.escalation != nil {
		d.escalation.OnDelivered(key.NotificationID, key.TeamID)
	}
	return channelOutcome{kind: outcomeDelivered, externalID: externalID, at: deliveredAt}
}

func (d *Dispatcher) handleFailure(ctx context.Context, item ScheduledRoute, key db.DeliveryKey, attempt int, sendErr error) channelOutcome {
	errMsg := sendErr.Error()

	if !IsTransientChannelError(sendErr) || attempt >= d.maxAttempts {
		if err := d.store.MarkFailed(ctx, key, attempt, errMsg); err != nil {
			log.Printf("Dispatcher: failed to mark %s/%s/%s failed: %v",
				key.NotificationID, key.TeamID, key.Channel, err)
		}
		log.Printf("Dispatcher: delivery of %s to %s via %s failed permanently after %d attempt(s): %s",
			key.NotificationID, key.TeamID, key.Channel, attempt, errMsg)
		if d.escalation != nil {
			d.escalation.OnHardFailure(key.NotificationID, key.TeamID)
		}
		return channelOutcome{kind: outcomeFailed, errMsg: errMsg, attempts: attempt}
	}

	delay := BackoffDelay(attempt, d.baseBackoff, d.maxBackoff)
	nextRetryAt := d.clock.Now().Add(delay)
	if err := d.store.MarkRetrying(ctx, key, attempt, nextRetryAt, errMsg); err != nil {
		log.Printf("Dispatcher: failed to mark %s/%s/%s retrying: %v",
			key.NotificationID, key.TeamID, key.Channel, err)
		return channelOutcome{kind: outcomeFailed, errMsg: errMsg, attempts: attempt}
	}

	retry := item
	retry.Route.Channels = []string{key.Channel}
	retry.ReadyAt = nextRetryAt
	if err := d.scheduler.Enqueue(retry); err != nil {
		// The store row stays retryable; a later sweep or resubmission can pick
		// it up once the queue recovers.
		log.Printf("Dispatcher: failed to requeue %s/%s/%s: %v",
			key.NotificationID, key.TeamID, key.Channel, err)
	}
	return channelOutcome{kind: outcomeRetrying, errMsg: errMsg, attempts: attempt}
}
