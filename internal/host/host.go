// Package host defines the collaborator contracts the coordination core
// depends on, plus explicit "not configured" stand-ins so call sites never
// check for nil.
package host

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by every stand-in collaborator.
var ErrNotConfigured = errors.New("collaborator not configured")

type Thinker interface {
	Think(ctx context.Context, prompt string) (string, error)
}

type ToolRunner interface {
	ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Memory interface {
	StoreMemory(ctx context.Context, category, content string, vec []float32) error
	SearchMemory(ctx context.Context, vec []float32, limit int) ([]string, error)
}

// Message is one line of conversation kept in the message log.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

type MessageLog interface {
	StoreMessage(ctx context.Context, msg Message) error
}

// Facts is the symbolic fact store. AddFact reports whether the fact was new.
type Facts interface {
	QueryFacts(ctx context.Context, query string) (string, error)
	AddFact(ctx context.Context, fact string) (bool, error)
}

type ChatProcessor interface {
	ProcessChat(ctx context.Context, msg string) (string, error)
}

// Presenter shows a message to the operator on behalf of persona.
type Presenter interface {
	DisplayAndSpeak(ctx context.Context, msg, persona string)
}

// Kind names one collaborator slot in a Set.
type Kind int

const (
	KindThinker Kind = iota
	KindTools
	KindEmbedder
	KindMemory
	KindMessages
	KindFacts
	KindChat
	KindPresenter
)

func (k Kind) String() string {
	switch k {
	case KindThinker:
		return "thinker"
	case KindTools:
		return "tools"
	case KindEmbedder:
		return "embedder"
	case KindMemory:
		return "memory"
	case KindMessages:
		return "messages"
	case KindFacts:
		return "facts"
	case KindChat:
		return "chat"
	case KindPresenter:
		return "presenter"
	default:
		return "unknown"
	}
}

// Set carries one implementation per contract. Build it with NewSet so that
// missing slots hold the not-configured stand-in.
type Set struct {
	Thinker   Thinker
	Tools     ToolRunner
	Embedder  Embedder
	Memory    Memory
	Messages  MessageLog
	Facts     Facts
	Chat      ChatProcessor
	Presenter Presenter
}

type Option func(*Set)

func WithThinker(t Thinker) Option     { return func(s *Set) { s.Thinker = t } }
func WithTools(t ToolRunner) Option    { return func(s *Set) { s.Tools = t } }
func WithEmbedder(e Embedder) Option   { return func(s *Set) { s.Embedder = e } }
func WithMemory(m Memory) Option       { return func(s *Set) { s.Memory = m } }
func WithMessages(m MessageLog) Option { return func(s *Set) { s.Messages = m } }
func WithFacts(f Facts) Option         { return func(s *Set) { s.Facts = f } }
func WithChat(c ChatProcessor) Option  { return func(s *Set) { s.Chat = c } }
func WithPresenter(p Presenter) Option { return func(s *Set) { s.Presenter = p } }

// NewSet applies opts and fills every empty slot with NotConfigured.
func NewSet(opts ...Option) Set {
	var s Set
	for _, opt := range opts {
		opt(&s)
	}
	return s.Filled()
}

// Filled returns a copy with every empty slot set to NotConfigured.
func (s Set) Filled() Set {
	if s.Thinker == nil {
		s.Thinker = NotConfigured
	}
	if s.Tools == nil {
		s.Tools = NotConfigured
	}
	if s.Embedder == nil {
		s.Embedder = NotConfigured
	}
	if s.Memory == nil {
		s.Memory = NotConfigured
	}
	if s.Messages == nil {
		s.Messages = NotConfigured
	}
	if s.Facts == nil {
		s.Facts = NotConfigured
	}
	if s.Chat == nil {
		s.Chat = NotConfigured
	}
	if s.Presenter == nil {
		s.Presenter = NotConfigured
	}
	return s
}

// Has reports whether the slot holds a real implementation.
func (s Set) Has(k Kind) bool {
	var v any
	switch k {
	case KindThinker:
		v = s.Thinker
	case KindTools:
		v = s.Tools
	case KindEmbedder:
		v = s.Embedder
	case KindMemory:
		v = s.Memory
	case KindMessages:
		v = s.Messages
	case KindFacts:
		v = s.Facts
	case KindChat:
		v = s.Chat
	case KindPresenter:
		v = s.Presenter
	}
	if v == nil {
		return false
	}
	_, stub := v.(unconfigured)
	return !stub
}

// Describe lists each slot and whether it is configured.
func (s Set) Describe() map[string]bool {
	out := make(map[string]bool, 8)
	for k := KindThinker; k <= KindPresenter; k++ {
		out[k.String()] = s.Has(k)
	}
	return out
}
