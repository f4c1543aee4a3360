// Package eventbus is an in-process, lossy publish/subscribe broadcast of
// entity-changed notifications. Subscribers receive a most-recent-only
// stream per subscriber: a slow reader drops intermediate events rather
// than blocking a publisher or unbounding memory. Events are hints, not
// truth — a subscriber that missed one falls back to re-reading the store
// (spec.md §4.G).
package eventbus

import "sync"

// EntityKind identifies which table an Event refers to.
type EntityKind string

const (
	EntityProject     EntityKind = "project"
	EntityEnvironment EntityKind = "environment"
	EntityTask        EntityKind = "task"
)

// Event is a single entity-changed notification.
type Event struct {
	Kind    EntityKind
	ID      string
	Version int64
}

// Bus broadcasts events to any number of subscribers. It is safe for
// concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns a channel of buffer
// size 1 carrying its most-recent event, plus an unsubscribe function the
// caller must call when done listening.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// channel is already full (hasn't drained its previous event) has that
// older buffered event dropped in favor of ev, never blocking the
// publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
