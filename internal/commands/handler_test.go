package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/coordinator"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/network"
	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/plan"
	"github.com/basket/go-autonomy/internal/selfexec"
	"github.com/basket/go-autonomy/internal/symbolic"
)

type chatFunc func(ctx context.Context, msg string) (string, error)

func (f chatFunc) ProcessChat(ctx context.Context, msg string) (string, error) { return f(ctx, msg) }

type messageLog struct {
	mu   sync.Mutex
	msgs []host.Message
}

func (m *messageLog) StoreMessage(_ context.Context, msg host.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

type staticRuns []goal.Run

func (r staticRuns) RecentRuns(context.Context, int) ([]goal.Run, error) { return r, nil }

type fixture struct {
	h       *Handler
	bus     *intention.Bus
	queue   *goal.Queue
	loop    *selfexec.Loop
	coord   *coordinator.Coordinator
	tracker *network.Tracker
	facts   *symbolic.Store
	log     *messageLog
}

func newFixture(t *testing.T, opts ...host.Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:   intention.New(),
		queue: goal.NewQueue(),
		facts: symbolic.NewStore(),
		log:   &messageLog{},
	}
	f.tracker = network.NewTracker(network.WithExporter(f.facts))
	reg := capability.NewRegistry()
	for _, c := range capability.DefaultCatalog() {
		reg.Register(c)
	}
	hs := host.NewSet(append([]host.Option{
		host.WithFacts(f.facts),
		host.WithMessages(f.log),
		host.WithPresenter(host.NewConsolePresenter(&strings.Builder{})),
	}, opts...)...)

	f.loop = selfexec.NewLoop(selfexec.Deps{
		Queue:    f.queue,
		Registry: reg,
		Tracker:  f.tracker,
		Host:     hs,
		Planner: selfexec.ExecutorFunc(func(_ context.Context, g goal.Goal) (plan.ExecutionResult, error) {
			return plan.ExecutionResult{GoalID: g.ID, Success: true, Output: "done"}, nil
		}),
		Rand: func() float64 { return 1 },
	}, selfexec.Config{IdleInterval: 10 * time.Millisecond})

	coord, err := coordinator.New(coordinator.Deps{
		Intentions: f.bus,
		Loop:       f.loop,
		Registry:   reg,
		Host:       hs,
	}, coordinator.Config{})
	require.NoError(t, err)
	f.coord = coord

	f.h = NewHandler(context.Background(), Deps{
		Coordinator: coord,
		Intentions:  f.bus,
		Loop:        f.loop,
		Tracker:     f.tracker,
		Registry:    reg,
		Runs: staticRuns{{
			Description: "earlier goal", Route: "plan", Success: false,
			Duration: 1200 * time.Millisecond, StartedAt: time.Now(),
		}},
		Host: hs,
	})
	t.Cleanup(func() {
		f.coord.Stop()
		f.tracker.Close()
	})
	return f
}

func (f *fixture) propose(titles ...string) []intention.Intention {
	out := make([]intention.Intention, 0, len(titles))
	for _, title := range titles {
		out = append(out, f.bus.Propose(context.Background(), intention.ProposeRequest{Title: title, Category: "research"}))
	}
	return out
}

func TestHandleGoalCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Equal(t, "Usage: goal add <description>", f.h.Handle(ctx, "goal add"))
	require.Equal(t, "Goal queue is empty.", f.h.Handle(ctx, "goal list"))

	out := f.h.Handle(ctx, "goal add write the weekly summary")
	require.Contains(t, out, "Queued goal ")
	require.Contains(t, out, "write the weekly summary")
	require.Contains(t, out, "selfexec start", "loop is stopped, so the hint is shown")
	f.h.Handle(ctx, "goal add second")

	list := f.h.Handle(ctx, "goal list")
	require.Contains(t, list, "Queued goals (2):")
	require.Less(t, strings.Index(list, "weekly summary"), strings.Index(list, "second"))
	require.Contains(t, list, "[normal, user]")

	require.Equal(t, "Cleared 2 queued goal(s).", f.h.Handle(ctx, "goal clear"))
	require.Equal(t, 0, f.queue.Len())
}

func TestHandleApproveQueuesGoal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.propose("Study vector indexes")[0]

	pending := f.h.Handle(ctx, "/pending")
	require.Contains(t, pending, "Pending intentions (1):")
	require.Contains(t, pending, in.ID[:8])

	out := f.h.Handle(ctx, "/approve "+in.ID[:6]+" go ahead")
	require.Equal(t, fmt.Sprintf("Approved %s: Study vector indexes. Queued as a goal.", in.ID[:6]), out)

	got, _ := f.bus.Get(in.ID)
	require.Equal(t, intention.StatusApproved, got.Status)
	require.Equal(t, "go ahead", got.Note)
	require.Equal(t, 1, f.queue.Len())
	require.Equal(t, "No pending intentions.", f.h.Handle(ctx, "/pending"))

	again := f.h.Handle(ctx, "/approve "+in.ID[:6])
	require.Equal(t, fmt.Sprintf("No pending intention matches %q (unknown or ambiguous prefix).", in.ID[:6]), again)
}

func TestHandleAmbiguousPrefixLeavesBothPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// 17 ids over 16 hex digits guarantee a shared first character.
	titles := make([]string, 17)
	for i := range titles {
		titles[i] = fmt.Sprintf("idea %d", i)
	}
	byFirst := map[string][]intention.Intention{}
	var prefix string
	for _, in := range f.propose(titles...) {
		k := strings.ToLower(in.ID[:1])
		byFirst[k] = append(byFirst[k], in)
		if len(byFirst[k]) == 2 && prefix == "" {
			prefix = k
		}
	}
	require.NotEmpty(t, prefix)

	out := f.h.Handle(ctx, "/reject "+prefix)
	require.Equal(t, fmt.Sprintf("No pending intention matches %q (unknown or ambiguous prefix).", prefix), out)
	for _, in := range byFirst[prefix] {
		got, _ := f.bus.Get(in.ID)
		require.Equal(t, intention.StatusPending, got.Status)
	}
	require.Equal(t, "Usage: /approve <id|all> [note]", f.h.Handle(ctx, "/approve"))
}

func TestHandleRejectAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, "No pending intentions.", f.h.Handle(ctx, "/reject all"))

	f.propose("one", "two")
	out := f.h.Handle(ctx, "/reject all not now")
	require.Contains(t, out, "Rejected 2 of 2 pending intention(s):")
	require.Equal(t, 0, f.bus.PendingCount())
	require.Equal(t, 0, f.queue.Len(), "rejection never queues work")
}

func TestHandlePauseResumeAndTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Contains(t, f.h.Handle(ctx, "/pause"), "paused")
	require.True(t, f.coord.Paused())
	require.True(t, f.loop.Paused())
	require.Equal(t, "Autonomy resumed.", f.h.Handle(ctx, "/resume"))
	require.False(t, f.coord.Paused())

	// No thinker is configured, so ideas come from capability gaps.
	out := f.h.Handle(ctx, "/tick")
	require.Contains(t, out, "Tick proposed")
	require.Contains(t, out, "Improve")
	require.Positive(t, f.bus.PendingCount())
}

func TestHandleSelfexecLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	ctx := context.Background()

	require.Equal(t, "Self-execution loop is not running.", f.h.Handle(ctx, "selfexec stop"))
	require.Equal(t, "Self-execution loop started.", f.h.Handle(ctx, "selfexec start"))
	require.Equal(t, "Self-execution loop is already running.", f.h.Handle(ctx, "selfexec start"))

	f.h.Handle(ctx, "goal add ship it")
	require.Eventually(t, func() bool { return f.loop.Status().Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)

	status := f.h.Handle(ctx, "selfexec status")
	require.Contains(t, status, "running")
	require.Contains(t, status, "succeeded: 1")
	require.Contains(t, status, "Recent runs:")
	require.Contains(t, status, "FAIL")
	require.Contains(t, status, "earlier goal")

	require.Equal(t, "Self-execution loop stopped.", f.h.Handle(ctx, "selfexec stop"))
	require.False(t, f.loop.Running())
}

func TestHandleInspection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Equal(t, "No branches tracked yet.", f.h.Handle(ctx, "/branches"))
	b := network.NewBranch("goal-abc").WithIngestEvent("goal:success", "x", "ok", "1s")
	require.NoError(t, f.tracker.TrackBranch(ctx, b))

	branches := f.h.Handle(ctx, "/branches")
	require.Contains(t, branches, "goal-abc  events=1")
	require.Contains(t, branches, "verified")

	facts := f.h.Handle(ctx, `/facts branch_head("goal-abc", H, N)`)
	require.Contains(t, facts, `branch_head("goal-abc"`)
	require.Equal(t, "No facts match nothing_here.", f.h.Handle(ctx, "/facts nothing_here"))
	require.Contains(t, f.h.Handle(ctx, "/facts"), "Usage: /facts")

	caps := f.h.Handle(ctx, "/capabilities")
	require.Contains(t, caps, "Capabilities:")
	require.Contains(t, caps, "coding")
	require.Contains(t, f.h.Handle(ctx, "/help"), "/approve <id|all> [note]")
}

type fixedMetrics []otel.Reading

func (m fixedMetrics) Snapshot(context.Context) ([]otel.Reading, error) { return m, nil }

func TestHandleMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.Contains(t, f.h.Handle(ctx, "/metrics"), "Telemetry is disabled")

	h := NewHandler(ctx, Deps{
		Coordinator: f.h.deps.Coordinator,
		Intentions:  f.h.deps.Intentions,
		Registry:    f.h.deps.Registry,
		Metrics: fixedMetrics{
			{Name: "autonomy.goal.duration", Value: 6, Count: 3},
			{Name: "autonomy.goal.outcomes", Attrs: "outcome=success", Value: 2},
		},
	})
	out := h.Handle(ctx, "/metrics")
	require.Contains(t, out, "count 3  avg 2.00s")
	require.Contains(t, out, "autonomy.goal.outcomes{outcome=success}")

	empty := NewHandler(ctx, Deps{Registry: f.h.deps.Registry, Metrics: fixedMetrics{}})
	require.Equal(t, "No metrics recorded yet.", empty.Handle(ctx, "/metrics"))
}

func TestHandleUnknownAndChat(t *testing.T) {
	ctx := context.Background()
	plain := newFixture(t)
	require.Equal(t, "Unknown command. Type /help.", plain.h.Handle(ctx, "what now?"))
	require.Equal(t, "", plain.h.Handle(ctx, "   "))

	chatty := newFixture(t, host.WithChat(chatFunc(func(_ context.Context, msg string) (string, error) {
		return "you said: " + msg, nil
	})))
	require.Equal(t, "you said: what now?", chatty.h.Handle(ctx, "what now?"))

	chatty.log.mu.Lock()
	defer chatty.log.mu.Unlock()
	require.Len(t, chatty.log.msgs, 2)
	require.Equal(t, "user", chatty.log.msgs[0].Role)
	require.Equal(t, "assistant", chatty.log.msgs[1].Role)
}

func TestHandleRecoversFromPanic(t *testing.T) {
	f := newFixture(t, host.WithChat(chatFunc(func(context.Context, string) (string, error) {
		panic("boom")
	})))
	out := f.h.Handle(context.Background(), "hello")
	require.Equal(t, "Internal error while running unknown: boom", out)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate("naïve   plan\nfor the café", 6)
	require.Equal(t, "na...", got)
	require.True(t, utf8.ValidString(truncate(strings.Repeat("ß", 50), noteMaxLen)))
	require.Equal(t, "short note", truncate(" short\tnote ", noteMaxLen))
}
