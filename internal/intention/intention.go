// Package intention holds self-proposed actions until an operator approves
// or rejects them.
package intention

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/shared"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Intention struct {
	ID          string
	Title       string
	Description string
	Rationale   string
	Category    string
	Priority    shared.Priority
	CreatedAt   time.Time
	Status      Status
	ResolvedAt  time.Time
	Note        string
}

type ProposeRequest struct {
	Title       string
	Description string
	Category    string
	Priority    shared.Priority
	Rationale   string
}

// Approver runs the action behind an approved intention.
type Approver interface {
	Approved(ctx context.Context, in Intention) error
}

type ApproverFunc func(ctx context.Context, in Intention) error

func (f ApproverFunc) Approved(ctx context.Context, in Intention) error { return f(ctx, in) }

// Recorder persists intention state changes for audit.
type Recorder interface {
	StoreIntention(ctx context.Context, in Intention) error
}

// Outcome reports one item of a bulk approve or reject.
type Outcome struct {
	ID    string
	Title string
	OK    bool
}

// Bus tracks intentions by ID. Transitions happen under the map lock; the
// approval action and recorders run after it is released.
type Bus struct {
	mu    sync.Mutex
	items map[string]*Intention
	order []string

	approver  Approver
	recorders []Recorder
	events    *bus.Bus
	metrics   *otel.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Bus)

func WithApprover(a Approver) Option {
	return func(b *Bus) { b.approver = a }
}

func WithRecorder(rs ...Recorder) Option {
	return func(b *Bus) {
		for _, r := range rs {
			if r != nil {
				b.recorders = append(b.recorders, r)
			}
		}
	}
}

func WithEventBus(eb *bus.Bus) Option       { return func(b *Bus) { b.events = eb } }
func WithMetrics(m *otel.Metrics) Option    { return func(b *Bus) { b.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(b *Bus) { b.logger = l } }
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

func New(opts ...Option) *Bus {
	b := &Bus{
		items: make(map[string]*Intention),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// SetApprover replaces the approval action. It exists for wiring cycles
// where the approver is built after the bus.
func (b *Bus) SetApprover(a Approver) {
	b.mu.Lock()
	b.approver = a
	b.mu.Unlock()
}

// Propose records a new pending intention. It always succeeds.
func (b *Bus) Propose(ctx context.Context, req ProposeRequest) Intention {
	in := &Intention{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Rationale:   strings.TrimSpace(req.Rationale),
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		Priority:    req.Priority,
		CreatedAt:   b.now(),
		Status:      StatusPending,
	}
	b.mu.Lock()
	b.items[in.ID] = in
	b.order = append(b.order, in.ID)
	snapshot := *in
	b.mu.Unlock()

	b.logger.Info("intention proposed", "intention_id", snapshot.ID, "title", snapshot.Title,
		"category", snapshot.Category, "priority", snapshot.Priority.String())
	b.record(ctx, snapshot)
	b.publish(bus.TopicIntentionProposed, snapshot)
	return snapshot
}

// Restore re-adds previously recorded pending intentions. Known IDs and
// non-pending entries are skipped; nothing is recorded or published.
func (b *Bus) Restore(ins ...Intention) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, in := range ins {
		if in.ID == "" || in.Status != StatusPending {
			continue
		}
		if _, ok := b.items[in.ID]; ok {
			continue
		}
		cp := in
		b.items[cp.ID] = &cp
		b.order = append(b.order, cp.ID)
		n++
	}
	return n
}

// Pending returns pending intentions, highest priority first, oldest first
// within a priority.
func (b *Bus) Pending() []Intention {
	b.mu.Lock()
	out := make([]Intention, 0)
	for _, id := range b.order {
		if in := b.items[id]; in.Status == StatusPending {
			out = append(out, *in)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Bus) Get(id string) (Intention, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.items[id]
	if !ok {
		return Intention{}, false
	}
	return *in, true
}

// History returns every intention in creation order.
func (b *Bus) History() []Intention {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Intention, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.items[id])
	}
	return out
}

func (b *Bus) Counts() map[Status]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[Status]int{StatusPending: 0, StatusApproved: 0, StatusRejected: 0}
	for _, in := range b.items {
		counts[in.Status]++
	}
	return counts
}

// PendingCount is Counts()[StatusPending] without the map allocation.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, in := range b.items {
		if in.Status == StatusPending {
			n++
		}
	}
	return n
}

// ApproveByPrefix approves the single pending intention whose ID starts
// with prefix (case-insensitive) and runs the approval action. It returns
// false for an empty, unknown or ambiguous prefix.
func (b *Bus) ApproveByPrefix(ctx context.Context, prefix, note string) bool {
	in, ok := b.resolve(prefix, StatusApproved, note)
	if !ok {
		return false
	}
	b.afterResolve(ctx, in)
	return true
}

// RejectByPrefix is ApproveByPrefix without the action.
func (b *Bus) RejectByPrefix(ctx context.Context, prefix, note string) bool {
	in, ok := b.resolve(prefix, StatusRejected, note)
	if !ok {
		return false
	}
	b.afterResolve(ctx, in)
	return true
}

// ApproveAll approves every intention pending at call time.
func (b *Bus) ApproveAll(ctx context.Context, note string) []Outcome {
	return b.bulk(ctx, note, b.ApproveByPrefix)
}

// RejectAll rejects every intention pending at call time.
func (b *Bus) RejectAll(ctx context.Context, note string) []Outcome {
	return b.bulk(ctx, note, b.RejectByPrefix)
}

func (b *Bus) bulk(ctx context.Context, note string, op func(context.Context, string, string) bool) []Outcome {
	pending := b.Pending()
	out := make([]Outcome, 0, len(pending))
	for _, in := range pending {
		out = append(out, Outcome{ID: in.ID, Title: in.Title, OK: op(ctx, in.ID, note)})
	}
	return out
}

func (b *Bus) resolve(prefix string, to Status, note string) (Intention, bool) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return Intention{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var match *Intention
	for _, id := range b.order {
		in := b.items[id]
		if in.Status != StatusPending || !strings.HasPrefix(strings.ToLower(id), prefix) {
			continue
		}
		if match != nil {
			return Intention{}, false
		}
		match = in
	}
	if match == nil {
		return Intention{}, false
	}
	match.Status = to
	match.ResolvedAt = b.now()
	match.Note = strings.TrimSpace(note)
	return *match, true
}

func (b *Bus) afterResolve(ctx context.Context, in Intention) {
	b.logger.Info("intention resolved", "intention_id", in.ID, "status", string(in.Status), "note", in.Note)
	b.metrics.RecordDecision(ctx, string(in.Status))

	if in.Status == StatusApproved {
		b.mu.Lock()
		approver := b.approver
		b.mu.Unlock()
		if approver != nil {
			if err := approver.Approved(ctx, in); err != nil {
				b.logger.Error("approval action failed", "intention_id", in.ID, "error", err)
			}
		}
		b.publish(bus.TopicIntentionApproved, in)
	} else {
		b.publish(bus.TopicIntentionRejected, in)
	}
	b.record(ctx, in)
}

func (b *Bus) record(ctx context.Context, in Intention) {
	for _, r := range b.recorders {
		if err := r.StoreIntention(ctx, in); err != nil {
			b.logger.Warn("intention record failed", "intention_id", in.ID, "error", err)
		}
	}
}

func (b *Bus) publish(topic string, in Intention) {
	b.events.Publish(topic, bus.IntentionEvent{
		IntentionID: in.ID,
		Title:       in.Title,
		Category:    in.Category,
		Priority:    in.Priority.String(),
		Status:      string(in.Status),
		Note:        in.Note,
	})
}
