package selfexec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/goleak"

	"github.com/basket/go-autonomy/internal/agent"
	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/network"
	"github.com/basket/go-autonomy/internal/plan"
	"github.com/basket/go-autonomy/internal/shared"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// script is a planner that records goal descriptions and fails on demand.
type script struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (s *script) Execute(_ context.Context, g goal.Goal) (plan.ExecutionResult, error) {
	s.mu.Lock()
	s.seen = append(s.seen, g.Description)
	s.mu.Unlock()
	if s.fail[g.Description] {
		return plan.ExecutionResult{GoalID: g.ID}, errors.New("could not " + g.Description)
	}
	return plan.ExecutionResult{GoalID: g.ID, Success: true, Output: "did " + g.Description}, nil
}

func (s *script) descriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type runLog struct {
	mu   sync.Mutex
	runs []goal.Run
	ctxs []error
}

func (r *runLog) RecordRun(ctx context.Context, run goal.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	r.ctxs = append(r.ctxs, ctx.Err())
	return nil
}

func (r *runLog) all() []goal.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]goal.Run(nil), r.runs...)
}

type fixture struct {
	loop    *Loop
	queue   *goal.Queue
	tracker *network.Tracker
	reg     *capability.Registry
	runs    *runLog
}

func newFixture(t *testing.T, planner Executor, cfg Config, mod ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		queue:   goal.NewQueue(),
		tracker: network.NewTracker(),
		reg:     capability.NewRegistry(),
		runs:    &runLog{},
	}
	for _, c := range capability.DefaultCatalog() {
		f.reg.Register(c)
	}
	deps := Deps{
		Queue:    f.queue,
		Registry: f.reg,
		Tracker:  f.tracker,
		Runs:     f.runs,
		Planner:  planner,
		Rand:     func() float64 { return 1 },
	}
	for _, m := range mod {
		m(&deps)
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 10 * time.Millisecond
	}
	f.loop = NewLoop(deps, cfg)
	t.Cleanup(func() {
		f.loop.Stop()
		f.tracker.Close()
	})
	return f
}

func enqueue(q *goal.Queue, descs ...string) {
	for _, d := range descs {
		q.Enqueue(goal.New(d, shared.PriorityNormal, goal.SourceUser))
	}
}

func TestLoopContinuesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{fail: map[string]bool{"B": true}}
	f := newFixture(t, sc, Config{})
	enqueue(f.queue, "A", "B", "C")

	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 3 })
	f.loop.Stop()
	f.tracker.Close()

	if got := strings.Join(sc.descriptions(), ","); got != "A,B,C" {
		t.Fatalf("executed %s", got)
	}
	st := f.loop.Status()
	if st.Succeeded != 2 || st.Failed != 1 || st.State != StateStopped || st.Running {
		t.Fatalf("status = %+v", st)
	}
	if st.LastError != "could not B" {
		t.Fatalf("last error = %q", st.LastError)
	}
	if f.tracker.Len() != 3 {
		t.Fatalf("tracked branches = %d", f.tracker.Len())
	}

	runs := f.runs.all()
	if len(runs) != 3 || runs[1].Success || runs[1].Result != "could not B" {
		t.Fatalf("runs = %+v", runs)
	}
	b, ok := f.tracker.Branch(runs[1].Branch)
	if !ok {
		t.Fatalf("branch %q not tracked", runs[1].Branch)
	}
	events := b.Events()
	last := events[len(events)-1]
	if last.Type != "goal:failure" || last.Payload[0] != "B" || last.Payload[1] != "could not B" {
		t.Fatalf("outcome event = %+v", last)
	}
	if !strings.HasPrefix(b.Name(), "goal-"+runs[1].GoalID+"-") || b.Hash() != runs[1].BranchHash {
		t.Fatalf("branch %s / %s vs run %+v", b.Name(), b.Hash(), runs[1])
	}
}

func TestFollowUpDepth(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{fail: map[string]bool{"B": true}}
	f := newFixture(t, sc, Config{MaxFollowUpDepth: 1})
	enqueue(f.queue, "A", "B")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 4 })
	// Give a generation-2 follow-up the chance to appear if it were spawned.
	time.Sleep(50 * time.Millisecond)
	f.loop.Stop()

	got := strings.Join(sc.descriptions(), ",")
	if got != "A,B,Learn: A,Reflect: B" {
		t.Fatalf("executed %s", got)
	}
	runs := f.runs.all()
	if runs[2].Source != goal.SourceFollowUp || runs[2].Generation != 1 {
		t.Fatalf("follow-up run = %+v", runs[2])
	}
}

func TestNoFollowUpsWhenDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{}
	f := newFixture(t, sc, Config{MaxFollowUpDepth: 0})
	enqueue(f.queue, "A")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	time.Sleep(30 * time.Millisecond)
	f.loop.Stop()
	if n := len(sc.descriptions()); n != 1 {
		t.Fatalf("executed %d goals", n)
	}
}

func TestStartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &script{}, Config{})
	ctx := context.Background()
	if err := f.loop.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.loop.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v", err)
	}
	if !f.loop.Running() {
		t.Fatal("expected running")
	}
	f.loop.Stop()
	f.loop.Stop()
	if f.loop.Running() {
		t.Fatal("expected stopped")
	}
	// Restart after stop is allowed.
	if err := f.loop.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.loop.Stop()
}

func TestPanicBecomesFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	planner := ExecutorFunc(func(context.Context, goal.Goal) (plan.ExecutionResult, error) {
		panic("kaboom")
	})
	f := newFixture(t, planner, Config{})
	enqueue(f.queue, "explode")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	f.loop.Stop()

	runs := f.runs.all()
	if len(runs) != 1 || runs[0].Success || !strings.Contains(runs[0].Result, "kaboom") {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestCancellationIsNotRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	planner := ExecutorFunc(func(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return plan.ExecutionResult{GoalID: g.ID}, ctx.Err()
	})
	f := newFixture(t, planner, Config{})
	enqueue(f.queue, "long haul")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	if st := f.loop.Status(); st.State != StateExecuting || st.Current != "long haul" {
		t.Fatalf("status while executing = %+v", st)
	}
	f.loop.Stop()

	if n := len(f.runs.all()); n != 0 {
		t.Fatalf("cancelled goal was recorded %d times", n)
	}
	if f.tracker.Len() != 0 || f.loop.Status().Processed != 0 {
		t.Fatal("cancelled goal must not be reified")
	}
}

func TestDelegatedPlanCancellationIsNotRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{}, 8)
	blocking := agent.WorkerFunc(func(ctx context.Context, _ plan.Step) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	orch := agent.NewOrchestrator()
	for _, name := range []string{"alpha", "beta"} {
		if err := orch.RegisterAgent(agent.Info{Name: name}, blocking); err != nil {
			t.Fatal(err)
		}
	}
	th := thinkerFunc(func(context.Context, string) (string, error) {
		return "1. one\n2. two\n3. three\n4. four\n5. five", nil
	})
	f := newFixture(t, nil, Config{MaxFollowUpDepth: 1}, func(d *Deps) {
		d.Host = host.NewSet(host.WithThinker(th))
		d.Orchestrator = orch
	})
	enqueue(f.queue, "survey every package")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	<-started
	f.loop.Stop()

	if n := len(f.runs.all()); n != 0 {
		t.Fatalf("cancelled delegated goal was recorded %d times", n)
	}
	if f.tracker.Len() != 0 || f.queue.Len() != 0 {
		t.Fatalf("branches = %d, queued follow-ups = %d", f.tracker.Len(), f.queue.Len())
	}
	if st := f.loop.Status(); st.Processed != 0 || st.Failed != 0 || st.LastError != "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRecordingSurvivesStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	release := make(chan struct{})
	planner := ExecutorFunc(func(_ context.Context, g goal.Goal) (plan.ExecutionResult, error) {
		close(started)
		<-release
		return plan.ExecutionResult{GoalID: g.ID, Success: true, Output: "finished anyway"}, nil
	})
	f := newFixture(t, planner, Config{})
	enqueue(f.queue, "stubborn")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	stopped := make(chan struct{})
	go func() {
		f.loop.Stop()
		close(stopped)
	}()
	// Stop must be waiting on the goal.
	waitFor(t, time.Second, func() bool { return !f.loop.Running() })
	close(release)
	<-stopped

	runs := f.runs.all()
	if len(runs) != 1 || !runs[0].Success || runs[0].Result != "finished anyway" {
		t.Fatalf("runs = %+v", runs)
	}
	if f.runs.ctxs[0] != nil {
		t.Fatalf("recorder saw cancelled context: %v", f.runs.ctxs[0])
	}
	if f.tracker.Len() != 1 {
		t.Fatal("outcome not reified")
	}
}

func TestCapabilitiesUpdated(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &script{}, Config{})
	enqueue(f.queue, "write code for the parser")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	f.loop.Stop()

	c, ok := f.reg.Get("coding")
	if !ok || c.UsageCount != 1 || c.SuccessRate <= capability.DefaultSuccessRate {
		t.Fatalf("coding = %+v", c)
	}
	if r, _ := f.reg.Get("research"); r.UsageCount != 0 {
		t.Fatalf("unrelated capability touched: %+v", r)
	}
}

func TestSelfEvaluate(t *testing.T) {
	f := newFixture(t, &script{}, Config{})
	gaps := f.loop.SelfEvaluate(context.Background())
	if len(gaps) == 0 {
		t.Fatal("fresh capabilities sit below the cutoff and should be gaps")
	}
	snap := f.queue.Snapshot()
	if len(snap) != 1 || snap[0].Source != goal.SourceSelfEval || snap[0].Description != "Improve capability "+gaps[0] {
		t.Fatalf("queue = %+v", snap)
	}
	f.loop.SelfEvaluate(context.Background())
	if f.queue.Len() != 1 {
		t.Fatal("self-evaluation must not enqueue while goals are waiting")
	}
}

func TestIdleSelfEvaluationRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{}
	f := newFixture(t, sc, Config{SelfEvalProbability: 0.5}, func(d *Deps) {
		d.Rand = func() float64 { return 0.1 }
	})
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		for _, d := range sc.descriptions() {
			if strings.HasPrefix(d, "Improve capability ") {
				return true
			}
		}
		return false
	})
	f.loop.Stop()
}

func TestPauseResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &script{}, Config{})
	f.loop.Pause()
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.loop.Enqueue(goal.New("wait for me", shared.PriorityNormal, goal.SourceUser))
	time.Sleep(50 * time.Millisecond)
	if st := f.loop.Status(); st.Processed != 0 || !st.Paused || st.Queued != 1 {
		t.Fatalf("paused status = %+v", st)
	}
	f.loop.Resume()
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	f.loop.Stop()
}

func TestGoalTimeoutIsAFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	planner := ExecutorFunc(func(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error) {
		<-ctx.Done()
		return plan.ExecutionResult{GoalID: g.ID}, ctx.Err()
	})
	f := newFixture(t, planner, Config{GoalTimeout: 20 * time.Millisecond})
	enqueue(f.queue, "slow")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	f.loop.Stop()
	runs := f.runs.all()
	if len(runs) != 1 || runs[0].Success || !strings.HasPrefix(runs[0].Result, "goal timeout exceeded") {
		t.Fatalf("runs = %+v", runs)
	}
}

type memSink struct {
	mu       sync.Mutex
	category []string
}

func (m *memSink) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }

func (m *memSink) StoreMemory(_ context.Context, category, _ string, _ []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.category = append(m.category, category)
	return nil
}

func (m *memSink) SearchMemory(context.Context, []float32, int) ([]string, error) { return nil, nil }

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.category)
}

func TestDSLGoalThroughLoopWithMemory(t *testing.T) {
	defer goleak.VerifyNone(t)

	mem := &memSink{}
	f := newFixture(t, nil, Config{}, func(d *Deps) {
		d.Host = host.NewSet(host.WithTools(testTools()), host.WithEmbedder(mem), host.WithMemory(mem))
	})
	enqueue(f.queue, "pipe: echo quiet words | upper")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 1 })
	f.loop.Stop()

	runs := f.runs.all()
	if len(runs) != 1 || runs[0].Route != "dsl" || runs[0].Result != "QUIET WORDS" {
		t.Fatalf("runs = %+v", runs)
	}
	if mem.count() != 1 || mem.category[0] != "goal_outcome" {
		t.Fatalf("memories = %v", mem.category)
	}
	b, _ := f.tracker.Branch(runs[0].Branch)
	if b.Len() != 3 || !b.Verify() {
		t.Fatalf("branch len = %d verify = %v", b.Len(), b.Verify())
	}
}

func TestSecretsRedactedFromRecordedResults(t *testing.T) {
	leaky := ExecutorFunc(func(_ context.Context, g goal.Goal) (plan.ExecutionResult, error) {
		return plan.ExecutionResult{GoalID: g.ID, Success: true, Output: "configured api_key=abcdefghijklmnop1234"}, nil
	})
	f := newFixture(t, leaky, Config{})
	enqueue(f.queue, "configure the exporter")

	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(f.runs.all()) == 1 })
	f.loop.Stop()

	run := f.runs.all()[0]
	if strings.Contains(run.Result, "abcdefghijklmnop1234") || !strings.Contains(run.Result, "[REDACTED]") {
		t.Fatalf("result = %q", run.Result)
	}
	b, _ := f.tracker.Branch(run.Branch)
	events := b.Events()
	if strings.Contains(events[len(events)-1].Payload[1], "abcdefghijklmnop") {
		t.Fatal("branch event kept the secret")
	}
}

type panickyEmbedder struct{ memSink }

func (*panickyEmbedder) Embed(context.Context, string) ([]float32, error) {
	panic("embedding model unloaded")
}

func TestRecordingPanicDoesNotStopLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{}
	mem := &panickyEmbedder{}
	f := newFixture(t, sc, Config{}, func(d *Deps) {
		d.Host = host.NewSet(host.WithEmbedder(mem), host.WithMemory(mem))
	})
	enqueue(f.queue, "A", "B")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(sc.descriptions()) == 2 })
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 2 })
	if !f.loop.Running() {
		t.Fatal("loop stopped after a recording panic")
	}
	f.loop.Stop()

	if got := strings.Join(sc.descriptions(), ","); got != "A,B" {
		t.Fatalf("executed %s", got)
	}
	if len(f.runs.all()) != 2 {
		t.Fatalf("runs = %+v", f.runs.all())
	}
}

func TestPipelineFollowUpIsPlanned(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := &script{}
	f := newFixture(t, sc, Config{MaxFollowUpDepth: 1}, func(d *Deps) {
		d.Host = host.NewSet(host.WithTools(testTools()))
	})
	enqueue(f.queue, "pipe: echo quiet words | upper")
	if err := f.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.loop.Status().Processed == 2 })
	f.loop.Stop()

	runs := f.runs.all()
	if len(runs) != 2 || runs[0].Route != "dsl" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[1].Route != "plan" || !runs[1].Success || runs[1].Source != goal.SourceFollowUp {
		t.Fatalf("follow-up run = %+v", runs[1])
	}
	if got := sc.descriptions(); len(got) != 1 || got[0] != "Learn: pipe: echo quiet words | upper" {
		t.Fatalf("planner saw %q", got)
	}
}

func TestConcurrentStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &script{}, Config{})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.loop.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			f.loop.Stop()
		}()
		wg.Wait()
		if st := f.loop.Status(); st.Running != (st.State != StateStopped) {
			t.Fatalf("iteration %d: status = %+v", i, st)
		}
	}
	f.loop.Stop()
	if f.loop.Running() {
		t.Fatal("expected stopped")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate("héllo wörld", 2)
	if got != "h..." {
		t.Fatalf("truncate = %q", got)
	}
	if !utf8.ValidString(truncate(strings.Repeat("日本", 10), 7)) {
		t.Fatal("truncate split a rune")
	}
	if truncate("  short  ", 10) != "short" {
		t.Fatal("short strings are only trimmed")
	}
}
