package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/otel"
)

// ErrNotAppendOnly is returned when an update would rewrite tracked history.
var ErrNotAppendOnly = errors.New("branch update is not an append-only extension")

const (
	defaultMirrorTimeout = 2 * time.Second
	mirrorQueueSize      = 64
)

// Mirror copies branch snapshots to durable storage.
type Mirror interface {
	MirrorBranch(ctx context.Context, b Branch) error
}

// FactSink receives symbolic facts describing branches.
type FactSink interface {
	AddFact(ctx context.Context, fact string) (bool, error)
}

// Loader supplies previously mirrored branches at startup.
type Loader interface {
	LoadBranches(ctx context.Context) ([]Branch, error)
}

// Tracker holds the latest snapshot of every known branch. Mirroring runs on
// a single background goroutine and never blocks callers; the first mirror
// failure switches the tracker to memory-only mode.
type Tracker struct {
	mu       sync.RWMutex
	branches map[string]Branch

	mirror        Mirror
	exporter      FactSink
	bus           *bus.Bus
	metrics       *otel.Metrics
	logger        *slog.Logger
	mirrorTimeout time.Duration

	queue     chan Branch
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	disabled  atomic.Bool
	dropped   atomic.Int64
}

type Option func(*Tracker)

func WithMirror(m Mirror) Option               { return func(t *Tracker) { t.mirror = m } }
func WithExporter(s FactSink) Option           { return func(t *Tracker) { t.exporter = s } }
func WithEventBus(b *bus.Bus) Option           { return func(t *Tracker) { t.bus = b } }
func WithMetrics(m *otel.Metrics) Option       { return func(t *Tracker) { t.metrics = m } }
func WithLogger(l *slog.Logger) Option         { return func(t *Tracker) { t.logger = l } }
func WithMirrorTimeout(d time.Duration) Option { return func(t *Tracker) { t.mirrorTimeout = d } }

// NewTracker starts the mirror worker when a mirror is configured. Call
// Close to stop it.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		branches:      make(map[string]Branch),
		mirrorTimeout: defaultMirrorTimeout,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.mirrorTimeout <= 0 {
		t.mirrorTimeout = defaultMirrorTimeout
	}
	if t.mirror != nil {
		t.queue = make(chan Branch, mirrorQueueSize)
		t.wg.Add(1)
		go t.mirrorLoop()
	} else {
		t.disabled.Store(true)
	}
	return t
}

// TrackBranch registers b under its name, replacing any previous snapshot.
func (t *Tracker) TrackBranch(ctx context.Context, b Branch) error {
	if b.Name() == "" {
		return ErrEmptyName
	}
	t.mu.Lock()
	prev, had := t.branches[b.Name()]
	t.branches[b.Name()] = b
	t.mu.Unlock()

	from := 0
	if had && b.Extends(prev) {
		from = prev.Len()
	}
	t.afterStore(ctx, b, from)
	return nil
}

// UpdateBranch registers a newer snapshot of a tracked branch. The snapshot
// must extend the tracked one; an untracked name is simply tracked.
func (t *Tracker) UpdateBranch(ctx context.Context, b Branch) error {
	if b.Name() == "" {
		return ErrEmptyName
	}
	t.mu.Lock()
	prev, had := t.branches[b.Name()]
	if had && !b.Extends(prev) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAppendOnly, b.Name())
	}
	t.branches[b.Name()] = b
	t.mu.Unlock()

	from := 0
	if had {
		from = prev.Len()
	}
	t.afterStore(ctx, b, from)
	return nil
}

func (t *Tracker) afterStore(ctx context.Context, b Branch, exportFrom int) {
	t.export(ctx, b, exportFrom)
	t.metrics.RecordBranch(ctx)
	t.bus.Publish(bus.TopicBranchReified, bus.BranchReified{
		Name:      b.Name(),
		NodeCount: b.Len(),
		Hash:      b.Hash(),
	})
	t.enqueueMirror(b)
}

func (t *Tracker) export(ctx context.Context, b Branch, from int) {
	if t.exporter == nil {
		return
	}
	events := b.Events()
	for i := from; i < len(events); i++ {
		e := events[i]
		fact := fmt.Sprintf("branch_event(%q, %d, %q, %q)", b.Name(), i, e.Type, e.Hash)
		if _, err := t.exporter.AddFact(ctx, fact); err != nil {
			t.logger.Warn("branch fact export failed", "branch", b.Name(), "error", err)
			return
		}
	}
	head := fmt.Sprintf("branch_head(%q, %q, %d)", b.Name(), b.Hash(), b.Len())
	if _, err := t.exporter.AddFact(ctx, head); err != nil {
		t.logger.Warn("branch fact export failed", "branch", b.Name(), "error", err)
	}
}

func (t *Tracker) enqueueMirror(b Branch) {
	if t.disabled.Load() {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.queue <- b:
	default:
		if n := t.dropped.Add(1); n == 1 {
			t.logger.Warn("mirror queue full; dropping snapshots until it drains", "branch", b.Name(), "queue_size", mirrorQueueSize)
		} else {
			t.logger.Debug("mirror queue full; snapshot dropped", "branch", b.Name(), "dropped", n)
		}
	}
}

// MirrorDropped counts snapshots lost to a full mirror queue. A later
// snapshot of the same branch still reaches the mirror.
func (t *Tracker) MirrorDropped() int64 {
	return t.dropped.Load()
}

func (t *Tracker) mirrorLoop() {
	defer t.wg.Done()
	for {
		select {
		case b := <-t.queue:
			t.mirrorOne(b)
		case <-t.done:
			// Flush what is already queued.
			for {
				select {
				case b := <-t.queue:
					t.mirrorOne(b)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) mirrorOne(b Branch) {
	if t.disabled.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
	defer cancel()
	if err := t.mirror.MirrorBranch(ctx, b); err != nil {
		if t.disabled.CompareAndSwap(false, true) {
			t.logger.Warn("branch mirror unavailable; tracking in memory only", "branch", b.Name(), "error", err)
		}
	}
}

// MirrorDisabled reports whether snapshots are kept in memory only.
func (t *Tracker) MirrorDisabled() bool {
	return t.disabled.Load()
}

// Load registers previously mirrored branches without re-mirroring them.
func (t *Tracker) Load(ctx context.Context, l Loader) (int, error) {
	branches, err := l.LoadBranches(ctx)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range branches {
		if b.Name() == "" {
			continue
		}
		if _, ok := t.branches[b.Name()]; ok {
			continue
		}
		t.branches[b.Name()] = b
		n++
	}
	return n, nil
}

func (t *Tracker) Branch(name string) (Branch, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.branches[name]
	return b, ok
}

// Names returns tracked branch names in sorted order.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.branches))
	for n := range t.branches {
		names = append(names, n)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.branches)
}

// Close stops the mirror worker after flushing queued snapshots.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}
