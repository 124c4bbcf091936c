// Package bus implements the in-process event channel connecting domain
// mutations to the persistence layer and back. Delivery is synchronous and
// priority ordered; there is no cross-process fan-out.
package bus

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// Well-known subscriber priorities. Lower runs first. The application layer
// observes ahead of the store so that a remote-origin republication reaches
// the renderer before (and instead of) being re-persisted; the store
// subscriber additionally skips OriginRemote events entirely.
const (
	PriorityApplication = 1
	PriorityStore       = 2
)

// Handler consumes one diagram event. Handlers run on the publisher's
// goroutine and must not publish recursively to the same bus.
type Handler func(models.DiagramEvent)

type subscription struct {
	id       int
	priority int
	fn       Handler
}

// Bus is an ordered multi-subscriber channel for diagram events.
// Safe for concurrent Subscribe/Publish.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription // sorted by (priority, id)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler at the given priority and returns its
// unsubscribe function. Equal priorities run in registration order.
func (b *Bus) Subscribe(priority int, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, priority: priority, fn: fn})
	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].priority != b.subs[j].priority {
			return b.subs[i].priority < b.subs[j].priority
		}
		return b.subs[i].id < b.subs[j].id
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every subscriber in ascending priority order and
// returns once all have run. A panicking subscriber is logged and skipped;
// delivery to the remaining subscribers always completes.
func (b *Bus) Publish(evt models.DiagramEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, evt)
	}
}

func deliver(s subscription, evt models.DiagramEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", string(evt.Type)).
				Int("priority", s.priority).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(evt)
}
