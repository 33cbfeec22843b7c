// Package network records goal outcomes as hash-chained branches and keeps
// the set of known branches.
package network

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"
)

// ErrEmptyName is returned for a branch without a name.
var ErrEmptyName = errors.New("branch name is empty")

// Event is one appended node. Hash is the branch hash after this event.
type Event struct {
	Type      string
	Payload   []string
	Hash      string
	CreatedAt time.Time
}

// Branch is an immutable, named event chain. Its hash depends only on the
// name and the sequence of event types and payloads.
type Branch struct {
	name    string
	genesis string
	events  []Event
}

func NewBranch(name string) Branch {
	h := sha256.Sum256([]byte("branch\x00" + name))
	return Branch{name: name, genesis: hex.EncodeToString(h[:])}
}

// WithIngestEvent returns a copy of b with one more event. b is unchanged.
func (b Branch) WithIngestEvent(eventType string, payload ...string) Branch {
	return b.withEvent(eventType, time.Now(), payload)
}

func (b Branch) withEvent(eventType string, at time.Time, payload []string) Branch {
	events := make([]Event, len(b.events), len(b.events)+1)
	copy(events, b.events)
	p := append([]string(nil), payload...)
	events = append(events, Event{
		Type:      eventType,
		Payload:   p,
		Hash:      chain(b.Hash(), eventType, p),
		CreatedAt: at,
	})
	return Branch{name: b.name, genesis: b.genesis, events: events}
}

func (b Branch) Name() string { return b.name }

// Hash is the head hash, or the genesis hash for an empty branch.
func (b Branch) Hash() string {
	if len(b.events) == 0 {
		if b.genesis == "" {
			return NewBranch(b.name).genesis
		}
		return b.genesis
	}
	return b.events[len(b.events)-1].Hash
}

func (b Branch) Len() int { return len(b.events) }

// Events returns a copy of the event list.
func (b Branch) Events() []Event {
	out := make([]Event, len(b.events))
	for i, e := range b.events {
		e.Payload = append([]string(nil), e.Payload...)
		out[i] = e
	}
	return out
}

// Verify recomputes the chain and reports whether every stored hash matches.
func (b Branch) Verify() bool {
	prev := NewBranch(b.name).genesis
	for _, e := range b.events {
		prev = chain(prev, e.Type, e.Payload)
		if e.Hash != prev {
			return false
		}
	}
	return true
}

// Extends reports whether b is base followed by zero or more events.
func (b Branch) Extends(base Branch) bool {
	if b.name != base.name || len(b.events) < len(base.events) {
		return false
	}
	for i, e := range base.events {
		if b.events[i].Hash != e.Hash {
			return false
		}
	}
	return true
}

// Restore rebuilds a branch from stored events, recomputing hashes.
func Restore(name string, events []Event) Branch {
	b := NewBranch(name)
	for _, e := range events {
		b = b.withEvent(e.Type, e.CreatedAt, e.Payload)
	}
	return b
}

// chain hashes prev followed by length-prefixed fields.
func chain(prev, eventType string, payload []string) string {
	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(prev)
	write(eventType)
	binary.BigEndian.PutUint64(n[:], uint64(len(payload)))
	h.Write(n[:])
	for _, p := range payload {
		write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
