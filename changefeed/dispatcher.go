// Package changefeed implements BLite's change dispatcher (spec §4.7): a
// bounded, single-producer/single-consumer queue per subscription, fed by
// the committing transaction and drained independently by each
// subscriber. A slow subscriber only backs up its own queue and never
// blocks the committer.
package changefeed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blitedb/blite/storage"
)

// Op identifies the kind of mutation a Change reports.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Change is one post-commit event delivered to a collection's
// subscribers (spec §6.3). After is nil for Delete.
type Change struct {
	Op       Op
	DocID    []byte
	After    []byte
	Location storage.DocumentLocation

	// DroppedBefore is the number of events this subscriber missed
	// immediately before this one, because its queue was full when they were
	// published (spec §4.7: "the dispatcher reports the drop count on the
	// next successful enqueue").
	DroppedBefore uint64
}

// DefaultQueueCapacity is the bounded queue depth used when a subscriber
// doesn't request a specific size.
const DefaultQueueCapacity = 256

// Subscription is one live change-feed consumer for a single collection.
type Subscription struct {
	collection string
	ch         chan Change
	dropped    uint64

	disp *Dispatcher
	id   uint64
}

// Receive blocks until the next Change arrives or the subscription is
// cancelled, mirroring spec §6.3's Option<Change> via the channel's ok flag.
func (s *Subscription) Receive() (Change, bool) {
	c, ok := <-s.ch
	return c, ok
}

// Cancel removes the subscription from the dispatcher; a subsequent
// Receive drains whatever is already queued and then returns ok=false.
func (s *Subscription) Cancel() {
	s.disp.cancel(s)
}

// Dispatcher fans out committed changes to every live subscription of the
// affected collection. One Dispatcher is shared by every collection in a
// database.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe opens a new bounded queue for collection. A non-positive
// capacity falls back to DefaultQueueCapacity.
func (d *Dispatcher) Subscribe(collection string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := atomic.AddUint64(&d.nextID, 1)
	sub := &Subscription{
		collection: collection,
		ch:         make(chan Change, capacity),
		disp:       d,
		id:         id,
	}
	if d.subs[collection] == nil {
		d.subs[collection] = make(map[uint64]*Subscription)
	}
	d.subs[collection][id] = sub
	return sub
}

func (d *Dispatcher) cancel(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[sub.collection]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(d.subs, sub.collection)
		}
	}
	close(sub.ch)
}

// Publish enqueues change onto every live subscription of collection. The
// enqueue is non-blocking: a full queue increments that subscriber's own
// drop counter and the event is skipped for it, never blocking the
// committer or other subscribers (spec §4.7, §5 ordering guarantee 3).
func (d *Dispatcher) Publish(collection string, change Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subs[collection] {
		c := change
		c.DroppedBefore = atomic.LoadUint64(&sub.dropped)
		select {
		case sub.ch <- c:
			// Delivered: the subscriber has now been told about every drop
			// up to this point, so the counter can restart from zero.
			atomic.StoreUint64(&sub.dropped, 0)
		default:
			n := atomic.AddUint64(&sub.dropped, 1)
			slog.Warn("changefeed.Dispatcher.Publish: subscriber queue full, dropping change",
				"collection", collection, "subscription", sub.id, "droppedTotal", n)
		}
	}
}
