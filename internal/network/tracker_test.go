package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-autonomy/internal/bus"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type failingMirror struct{ calls atomic.Int32 }

func (m *failingMirror) MirrorBranch(context.Context, Branch) error {
	m.calls.Add(1)
	return errors.New("connection refused")
}

type recordingMirror struct {
	mu    sync.Mutex
	names []string
}

func (m *recordingMirror) MirrorBranch(_ context.Context, b Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, b.Name())
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.names)
}

type sliceSink struct {
	mu    sync.Mutex
	facts []string
}

func (s *sliceSink) AddFact(_ context.Context, f string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, f)
	return true, nil
}

func TestTracker_UnreachableMirrorWarnsOnce(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	mirror := &failingMirror{}
	tr := NewTracker(WithMirror(mirror), WithLogger(logger))
	defer tr.Close()

	ctx := context.Background()
	b := NewBranch("goal-1").WithIngestEvent("goal:success", "d", "r", "1ms")
	require.NoError(t, tr.TrackBranch(ctx, b))
	require.Eventually(t, tr.MirrorDisabled, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		b = b.WithIngestEvent("note", "more")
		require.NoError(t, tr.UpdateBranch(ctx, b))
	}
	tr.Close()

	require.Equal(t, 1, strings.Count(logs.String(), "branch mirror unavailable"))
	require.Equal(t, int32(1), mirror.calls.Load())
	got, ok := tr.Branch("goal-1")
	require.True(t, ok)
	require.Equal(t, 6, got.Len())
}

type blockingMirror struct {
	release chan struct{}
	calls   atomic.Int32
}

func (m *blockingMirror) MirrorBranch(ctx context.Context, _ Branch) error {
	m.calls.Add(1)
	select {
	case <-m.release:
	case <-ctx.Done():
	}
	return nil
}

func TestTracker_FullMirrorQueueWarnsOnceAndCounts(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	mirror := &blockingMirror{release: make(chan struct{})}
	tr := NewTracker(WithMirror(mirror), WithLogger(logger))

	ctx := context.Background()
	for i := 0; i < mirrorQueueSize+16; i++ {
		b := NewBranch(fmt.Sprintf("goal-%d", i)).WithIngestEvent("goal:success", "d", "r", "1ms")
		require.NoError(t, tr.TrackBranch(ctx, b))
	}
	require.GreaterOrEqual(t, tr.MirrorDropped(), int64(15))
	require.Equal(t, 1, strings.Count(logs.String(), "mirror queue full"))
	require.Equal(t, mirrorQueueSize+16, tr.Len())

	close(mirror.release)
	tr.Close()
	require.False(t, tr.MirrorDisabled())
}

func TestTracker_MirrorsAndFlushesOnClose(t *testing.T) {
	mirror := &recordingMirror{}
	tr := NewTracker(WithMirror(mirror))
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, tr.TrackBranch(ctx, NewBranch(name).WithIngestEvent("goal:success")))
	}
	tr.Close()
	require.Equal(t, 3, mirror.count())
	require.False(t, tr.MirrorDisabled())
}

func TestTracker_UpdateMustAppend(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	ctx := context.Background()

	base := NewBranch("g").WithIngestEvent("a")
	require.NoError(t, tr.UpdateBranch(ctx, base), "untracked name is tracked")
	require.NoError(t, tr.UpdateBranch(ctx, base.WithIngestEvent("b")))

	rewritten := NewBranch("g").WithIngestEvent("x")
	err := tr.UpdateBranch(ctx, rewritten)
	require.ErrorIs(t, err, ErrNotAppendOnly)

	cur, _ := tr.Branch("g")
	require.Equal(t, 2, cur.Len())

	// TrackBranch overwrites regardless of history.
	require.NoError(t, tr.TrackBranch(ctx, rewritten))
	cur, _ = tr.Branch("g")
	require.Equal(t, rewritten.Hash(), cur.Hash())
}

func TestTracker_EmptyName(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	require.ErrorIs(t, tr.TrackBranch(context.Background(), Branch{}), ErrEmptyName)
	require.ErrorIs(t, tr.UpdateBranch(context.Background(), Branch{}), ErrEmptyName)
}

func TestTracker_ExportsFactsAndPublishes(t *testing.T) {
	sink := &sliceSink{}
	b := bus.New()
	sub := b.Subscribe(bus.TopicBranchReified)
	defer b.Unsubscribe(sub)

	tr := NewTracker(WithExporter(sink), WithEventBus(b))
	defer tr.Close()
	ctx := context.Background()

	br := NewBranch("goal-9").WithIngestEvent("goal:success", "d")
	require.NoError(t, tr.TrackBranch(ctx, br))
	br2 := br.WithIngestEvent("note")
	require.NoError(t, tr.UpdateBranch(ctx, br2))

	require.Len(t, sink.facts, 4)
	require.Equal(t, `branch_event("goal-9", 0, "goal:success", "`+br.Hash()+`")`, sink.facts[0])
	require.Equal(t, `branch_head("goal-9", "`+br.Hash()+`", 1)`, sink.facts[1])
	require.True(t, strings.HasPrefix(sink.facts[2], `branch_event("goal-9", 1, "note"`))

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.BranchReified)
		require.Equal(t, "goal-9", p.Name)
		require.Equal(t, 1, p.NodeCount)
		require.Equal(t, br.Hash(), p.Hash)
	case <-time.After(time.Second):
		t.Fatal("no branch.reified event")
	}
}

type staticLoader []Branch

func (l staticLoader) LoadBranches(context.Context) ([]Branch, error) { return l, nil }

func TestTracker_LoadSkipsKnown(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()
	ctx := context.Background()
	require.NoError(t, tr.TrackBranch(ctx, NewBranch("a").WithIngestEvent("new")))

	n, err := tr.Load(ctx, staticLoader{
		NewBranch("a").WithIngestEvent("old"),
		NewBranch("b").WithIngestEvent("old"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"a", "b"}, tr.Names())
	a, _ := tr.Branch("a")
	require.Equal(t, "new", a.Events()[0].Type)
}

func TestTracker_ConcurrentTracking(t *testing.T) {
	tr := NewTracker(WithMirror(&recordingMirror{}))
	defer tr.Close()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "goal-" + string(rune('a'+i))
			_ = tr.TrackBranch(context.Background(), NewBranch(name).WithIngestEvent("goal:success"))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 16, tr.Len())
}
