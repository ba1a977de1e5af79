// Package eventbus is the in-process publish/subscribe channel that
// decouples the Worker Pool from the SSE Hub and Notification Dispatcher
// (spec §4.4). Grounded on the reference jobmanager's hub pattern
// (register/unregister/broadcast channels), generalized into a standalone,
// transport-agnostic bus per the redesign note in spec §9.
package eventbus

import (
	"sync"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// subscriberBuffer bounds how many events a slow subscriber can lag behind
// before new publications are dropped for it (fan-out isolation, §8.8).
const subscriberBuffer = 64

type subscription struct {
	id     uint64
	filter interfaces.EventFilter
	ch     chan models.JobEvent
}

// Bus is a bounded, best-effort, per-owner fan-out publisher. Delivery
// preserves per-job_id order (each Publish call delivers to every subscriber
// synchronously while holding the bus mutex) and never blocks the publisher on a slow
// subscriber — a full channel is a dropped event for that subscriber, not a
// stall.
type Bus struct {
	logger *common.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

func New(logger *common.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[uint64]*subscription)}
}

// Subscribe registers a new subscription and returns its channel plus a
// cancel function. The caller must call cancel when done (e.g. on HTTP
// disconnect) to release the subscription.
func (b *Bus) Subscribe(filter interfaces.EventFilter) (<-chan models.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, filter: filter, ch: make(chan models.JobEvent, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish fans an event out to every matching current subscriber without
// blocking on any of them.
func (b *Bus) Publish(evt models.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !matches(sub.filter, evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn().Str("job_id", evt.JobID).Str("owner_id", evt.OwnerID).
				Msg("event bus subscriber buffer full, dropping event")
		}
	}
}

// matches reports whether evt satisfies filter. An empty OwnerID is a
// wildcard matching every owner — used by the Notification Dispatcher,
// which must see every owner's terminal events.
func matches(filter interfaces.EventFilter, evt models.JobEvent) bool {
	if filter.OwnerID != "" && filter.OwnerID != evt.OwnerID {
		return false
	}
	if filter.JobID != "" && filter.JobID != evt.JobID {
		return false
	}
	return true
}

var _ interfaces.EventBus = (*Bus)(nil)
