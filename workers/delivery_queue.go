package workers

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/incidentops/courier/internal/clock"
	"github.com/incidentops/courier/services"
)

// ErrQueueClosed is returned by Schedule after Close.
var ErrQueueClosed = errors.New("delivery queue closed")

// DispatchFunc is invoked for each released route. The dispatcher's
// per-tuple check-and-set makes redundant invocations harmless.
type DispatchFunc func(ctx context.Context, item services.ScheduledRoute)

type queueItem struct {
	route     services.ScheduledRoute
	seq       uint64
	index     int
	cancelled bool
}

// routeHeap orders pending items by ReadyAt, insertion order breaking ties.
type routeHeap []*queueItem

func (h routeHeap) Len() int { return len(h) }

func (h routeHeap) Less(i, j int) bool {
	if h[i].route.ReadyAt.Equal(h[j].route.ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].route.ReadyAt.Before(h[j].route.ReadyAt)
}

func (h routeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *routeHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *routeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// DeliveryQueue is the in-process deferred-delivery queue: a min-heap on
// ReadyAt drained by a release loop into a pool of dispatch workers. Items are
// released at-least-once; cancellation is lazy, so an item already handed to a
// worker is beyond cancel and relies on the dispatcher's idempotency guard.
type DeliveryQueue struct {
	clock    clock.Clock
	dispatch DispatchFunc
	workers  int

	mu     sync.Mutex
	items  routeHeap
	seq    uint64
	closed bool

	wake  chan struct{}
	ready chan services.ScheduledRoute
	wg    sync.WaitGroup
}

func NewDeliveryQueue(clk clock.Clock, workers int, dispatch DispatchFunc) *DeliveryQueue {
	if workers < 1 {
		workers = 1
	}
	return &DeliveryQueue{
		clock:    clk,
		dispatch: dispatch,
		workers:  workers,
		wake:     make(chan struct{}, 1),
		ready:    make(chan services.ScheduledRoute),
	}
}

// SetDispatch installs the dispatch callback. The queue and the dispatcher
// reference each other (retries re-enter the queue), so the callback is wired
// after both exist and before Start.
func (q *DeliveryQueue) SetDispatch(fn DispatchFunc) {
	q.dispatch = fn
}

// Start launches the release loop and the dispatch workers.
func (q *DeliveryQueue) Start() {
	q.wg.Add(1)
	go q.releaseLoop()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Printf("DeliveryQueue: started with %d worker(s)", q.workers)
}

// Schedule accepts a route for release at its ReadyAt.
func (q *DeliveryQueue) Schedule(item services.ScheduledRoute) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.items, &queueItem{route: item, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Cancel marks every pending item of a notification cancelled and returns how
// many were caught before release.
func (q *DeliveryQueue) Cancel(notificationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := 0
	for _, item := range q.items {
		if !item.cancelled && item.route.NotificationID == notificationID {
			item.cancelled = true
			cancelled++
		}
	}
	return cancelled
}

// Len reports the number of pending (not yet released) items.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if !item.cancelled {
			n++
		}
	}
	return n
}

// Close stops accepting work, lets in-flight dispatches finish and returns.
// Pending items that never became due are dropped.
func (q *DeliveryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
	q.wg.Wait()
}

func (q *DeliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DeliveryQueue) releaseLoop() {
	defer q.wg.Done()
	defer close(q.ready)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}

		now := q.clock.Now()
		var due *queueItem
		wait := time.Duration(-1)
		for q.items.Len() > 0 {
			top := q.items[0]
			if top.cancelled {
				heap.Pop(&q.items)
				continue
			}
			if !top.route.ReadyAt.After(now) {
				due = heap.Pop(&q.items).(*queueItem)
			} else {
				wait = top.route.ReadyAt.Sub(now)
			}
			break
		}
		q.mu.Unlock()

		if due != nil {
			q.ready <- due.route
			continue
		}

		if wait < 0 {
			<-q.wake
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		}
	}
}

func (q *DeliveryQueue) worker(id int) {
	defer q.wg.Done()
	for item := range q.ready {
		q.dispatch(context.Background(), item)
	}
}
