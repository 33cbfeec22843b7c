// Package bus carries runtime lifecycle events (intentions, goals, branches,
// capabilities) to in-process observers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is one published message. Seq increases by one per Publish call on
// the same Bus, so observers can tell when they missed something.
type Event struct {
	Seq     uint64
	At      time.Time
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with any of its prefixes.
type Subscription struct {
	bus      *Bus
	id       int
	prefixes []string
	ch       chan Event
	missed   atomic.Int64
}

// Ch returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Missed reports events this subscription lost to a full buffer.
func (s *Subscription) Missed() int64 {
	return s.missed.Load()
}

// Close is shorthand for Unsubscribe on the owning bus.
func (s *Subscription) Close() {
	if s != nil {
		s.bus.Unsubscribe(s)
	}
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus fans events out without ever blocking the publisher; the goal loop
// and the intention pipeline publish from their hot paths.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	seq     atomic.Uint64
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe matches topics by prefix. No prefixes, or an empty one, means
// every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(defaultBufferSize, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	var keep []string
	for _, p := range prefixes {
		if p == "" {
			keep = nil
			break
		}
		keep = append(keep, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, prefixes: keep, ch: make(chan Event, size)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish returns the number of subscribers that accepted the event. A nil
// Bus discards everything.
func (b *Bus) Publish(topic string, payload any) int {
	if b == nil {
		return 0
	}
	ev := Event{Seq: b.seq.Add(1), At: time.Now().UTC(), Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.missed.Add(1)
			b.dropped.Add(1)
		}
	}
	return delivered
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped totals Missed across all subscriptions, past and present.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
