package dispatch

import (
	"context"
	"sync"

	"github.com/example/ride-driver/internal/models"
)

// inbound is one undelivered event; exactly one field is set.
type inbound struct {
	offer  *models.RideOffer
	status *StatusChange
}

// eventQueue keeps inbound events in arrival order. A re-pushed offer for a
// ride id that is still queued replaces the earlier payload and moves to
// the back, so duplicates collapse to the latest.
type eventQueue struct {
	mu    sync.Mutex
	items []inbound
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

// pushOffer reports whether the offer replaced a queued one.
func (q *eventQueue) pushOffer(o models.RideOffer) bool {
	q.mu.Lock()
	dup := false
	for i, it := range q.items {
		if it.offer != nil && it.offer.RideID == o.RideID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			dup = true
			break
		}
	}
	q.items = append(q.items, inbound{offer: &o})
	q.mu.Unlock()
	q.signal()
	return dup
}

func (q *eventQueue) pushStatus(sc StatusChange) {
	q.mu.Lock()
	q.items = append(q.items, inbound{status: &sc})
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or ctx ends.
func (q *eventQueue) pop(ctx context.Context) (inbound, bool) {
	for {
		if ctx.Err() != nil {
			return inbound{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return inbound{}, false
		case <-q.wake:
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
