package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/incidentops/courier/internal/clock"
	"github.com/incidentops/courier/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchRecorder struct {
	mu    sync.Mutex
	ids   []string
	fired chan string
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{fired: make(chan string, 16)}
}

func (r *dispatchRecorder) dispatch(_ context.Context, item services.ScheduledRoute) {
	r.mu.Lock()
	r.ids = append(r.ids, item.NotificationID)
	r.mu.Unlock()
	r.fired <- item.NotificationID
}

func (r *dispatchRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.fired:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return ""
	}
}

func TestQueueReleasesDueItem(t *testing.T) {
	rec := newDispatchRecorder()
	q := NewDeliveryQueue(clock.RealClock{}, 1, rec.dispatch)
	q.Start()
	defer q.Close()

	require.NoError(t, q.Schedule(services.ScheduledRoute{
		NotificationID: "n1",
		ReadyAt:        time.Now().UTC(),
	}))

	assert.Equal(t, "n1", rec.wait(t))
}

func TestQueueWaitsForReadyAt(t *testing.T) {
	rec := newDispatchRecorder()
	q := NewDeliveryQueue(clock.RealClock{}, 1, rec.dispatch)
	q.Start()
	defer q.Close()

	require.NoError(t, q.Schedule(services.ScheduledRoute{
		NotificationID: "later",
		ReadyAt:        time.Now().UTC().Add(50 * time.Millisecond),
	}))

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "later", rec.wait(t))
	assert.Equal(t, 0, q.Len())
}

func TestQueueReleasesInReadyAtOrder(t *testing.T) {
	rec := newDispatchRecorder()
	q := NewDeliveryQueue(clock.RealClock{}, 1, rec.dispatch)

	now := time.Now().UTC()
	require.NoError(t, q.Schedule(services.ScheduledRoute{NotificationID: "second", ReadyAt: now.Add(-time.Second)}))
	require.NoError(t, q.Schedule(services.ScheduledRoute{NotificationID: "first", ReadyAt: now.Add(-2 * time.Second)}))

	q.Start()
	defer q.Close()

	assert.Equal(t, "first", rec.wait(t))
	assert.Equal(t, "second", rec.wait(t))
}

func TestQueueCancelDropsPendingItems(t *testing.T) {
	rec := newDispatchRecorder()
	q := NewDeliveryQueue(clock.RealClock{}, 1, rec.dispatch)
	q.Start()
	defer q.Close()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.Schedule(services.ScheduledRoute{NotificationID: "n1", ReadyAt: future}))
	require.NoError(t, q.Schedule(services.ScheduledRoute{NotificationID: "n1", ReadyAt: future}))
	require.NoError(t, q.Schedule(services.ScheduledRoute{NotificationID: "n2", ReadyAt: future}))

	assert.Equal(t, 2, q.Cancel("n1"))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Cancel("n1"))

	select {
	case id := <-rec.fired:
		t.Fatalf("unexpected dispatch of %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueRejectsScheduleAfterClose(t *testing.T) {
	q := NewDeliveryQueue(clock.RealClock{}, 1, newDispatchRecorder().dispatch)
	q.Start()
	q.Close()

	err := q.Schedule(services.ScheduledRoute{NotificationID: "n1", ReadyAt: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
