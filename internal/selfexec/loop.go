package selfexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-autonomy/internal/agent"
	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/network"
	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/plan"
	"github.com/basket/go-autonomy/internal/shared"
)

var ErrAlreadyRunning = errors.New("selfexec: loop already running")

type State string

const (
	StateIdle      State = "idle"
	StateDraining  State = "draining"
	StateExecuting State = "executing"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// RunRecorder keeps a history of goal runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run goal.Run) error
}

type Config struct {
	IdleInterval        time.Duration
	SelfEvalProbability float64
	// MaxFollowUpDepth caps follow-up generations; 0 disables follow-ups.
	MaxFollowUpDepth int
	// GoalTimeout bounds a single goal; 0 means no limit.
	GoalTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleInterval:        2 * time.Second,
		SelfEvalProbability: 0.05,
		MaxFollowUpDepth:    1,
	}
}

type Deps struct {
	Queue        *goal.Queue
	Registry     *capability.Registry
	Tracker      *network.Tracker
	Host         host.Set
	Orchestrator *agent.Orchestrator
	Runs         RunRecorder
	Events       *bus.Bus
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger

	// DSL and Planner override the executors built from Host.
	DSL     Executor
	Planner Executor
	// Rand returns values in [0,1) for the self-evaluation draw.
	Rand func() float64
}

// Status is a point-in-time view of the loop.
type Status struct {
	State     State  `json:"state"`
	Running   bool   `json:"running"`
	Paused    bool   `json:"paused"`
	Queued    int    `json:"queued"`
	Processed int64  `json:"processed"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Current   string `json:"current,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Loop drains the goal queue on a single goroutine. Nothing escapes a goal
// except cancellation of the loop itself.
type Loop struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	dsl    Executor
	plan   Executor
	rand   func() float64

	// life serializes Start and Stop, including Stop's join.
	life   sync.Mutex
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wake      chan struct{}
	paused    atomic.Bool
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	current   atomic.Pointer[goal.Goal]
	lastError atomic.Pointer[string]
}

func NewLoop(deps Deps, cfg Config) *Loop {
	if deps.Queue == nil {
		deps.Queue = goal.NewQueue()
	}
	deps.Host = deps.Host.Filled()
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultConfig().IdleInterval
	}
	if cfg.MaxFollowUpDepth < 0 {
		cfg.MaxFollowUpDepth = 0
	}
	l := &Loop{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		dsl:    deps.DSL,
		plan:   deps.Planner,
		rand:   deps.Rand,
		state:  StateStopped,
		wake:   make(chan struct{}, 1),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.dsl == nil {
		l.dsl = DSLExecutor{Thinker: deps.Host.Thinker, Tools: deps.Host.Tools}
	}
	if l.plan == nil {
		l.plan = PlanExecutor{Thinker: deps.Host.Thinker, Tools: deps.Host.Tools, Orchestrator: deps.Orchestrator}
	}
	if l.rand == nil {
		l.rand = rand.Float64
	}
	return l
}

func (l *Loop) Queue() *goal.Queue { return l.deps.Queue }

// Start launches the loop goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.life.Lock()
	defer l.life.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.setStateLocked(StateIdle)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("self-execution loop started", "idle_interval", l.cfg.IdleInterval)
	return nil
}

// Stop cancels the loop and waits for it. A goal being recorded is finished
// first.
func (l *Loop) Stop() {
	l.life.Lock()
	defer l.life.Unlock()
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.setState(StateStopped)
	l.logger.Info("self-execution loop stopped")
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Pause stops dequeueing after the current goal. The goroutine keeps
// running.
func (l *Loop) Pause() { l.paused.Store(true) }

func (l *Loop) Resume() {
	l.paused.Store(false)
	l.Nudge()
}

func (l *Loop) Paused() bool { return l.paused.Load() }

// Nudge cuts an idle sleep short, e.g. after a goal was enqueued.
func (l *Loop) Nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds g to the queue and wakes the loop.
func (l *Loop) Enqueue(g goal.Goal) {
	l.deps.Queue.Enqueue(g)
	l.deps.Events.Publish(bus.TopicGoalEnqueued, bus.GoalEvent{GoalID: g.ID, Description: g.Description, Source: string(g.Source)})
	l.Nudge()
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	st := Status{State: l.state, Running: l.cancel != nil}
	l.mu.Unlock()
	st.Paused = l.paused.Load()
	st.Queued = l.deps.Queue.Len()
	st.Processed = l.processed.Load()
	st.Succeeded = l.succeeded.Load()
	st.Failed = l.failed.Load()
	if g := l.current.Load(); g != nil {
		st.Current = g.Description
	}
	if e := l.lastError.Load(); e != nil {
		st.LastError = *e
	}
	return st
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.setStateLocked(s)
	l.mu.Unlock()
}

func (l *Loop) setStateLocked(s State) {
	if l.state == s {
		return
	}
	from := l.state
	l.state = s
	l.deps.Events.Publish(bus.TopicLoopStateChanged, bus.LoopStateEvent{From: string(from), To: string(s)})
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for ctx.Err() == nil {
		if l.paused.Load() {
			l.setState(StateIdle)
			l.sleep(ctx)
			continue
		}
		l.setState(StateDraining)
		g, ok := l.deps.Queue.Dequeue()
		if !ok {
			l.setState(StateIdle)
			if l.rand() < l.cfg.SelfEvalProbability {
				l.SelfEvaluate(ctx)
			}
			l.sleep(ctx)
			continue
		}
		if cancelled := l.process(ctx, g); cancelled {
			return
		}
	}
}

func (l *Loop) sleep(ctx context.Context) {
	timer := time.NewTimer(l.cfg.IdleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-timer.C:
	}
}

// process runs and records one goal. It reports true when the loop was
// cancelled mid-goal; such a goal is not recorded.
func (l *Loop) process(ctx context.Context, g goal.Goal) bool {
	ctx = shared.WithTraceID(shared.WithGoalID(ctx, g.ID), shared.NewTraceID())
	route := RouteFor(g)
	logger := l.logger.With("goal_id", g.ID, "trace_id", shared.TraceID(ctx), "route", route.String())

	spanCtx, span := otel.StartSpan(ctx, l.deps.Tracer, "selfexec.goal",
		otel.AttrGoalID.String(g.ID),
		otel.AttrGoalSource.String(string(g.Source)),
		otel.AttrGoalRoute.String(route.String()),
	)
	defer span.End()
	if g.Source == goal.SourceIdeation && g.ParentID != "" {
		span.SetAttributes(otel.AttrIntentionID.String(g.ParentID))
	}

	l.current.Store(&g)
	defer l.current.Store(nil)
	l.setState(StateExecuting)
	l.deps.Events.Publish(bus.TopicGoalStarted, bus.GoalEvent{GoalID: g.ID, Description: g.Description, Source: string(g.Source)})
	logger.Info("goal started", "description", g.Description, "source", string(g.Source), "generation", g.Generation)

	startedAt := time.Now()
	res, err := l.execute(spanCtx, route, g)
	elapsed := time.Since(startedAt)

	// Once the loop is cancelled any error is treated as the cancellation,
	// whatever the executor wrapped it in.
	if err != nil && ctx.Err() != nil {
		logger.Info("goal cancelled", "elapsed", elapsed)
		span.SetStatus(codes.Error, "cancelled")
		return true
	}

	success := err == nil
	result := res.Output
	if err != nil {
		result = err.Error()
		msg := result
		l.lastError.Store(&msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		logger.Warn("goal failed", "error", err, "elapsed", elapsed)
	} else {
		logger.Info("goal succeeded", "elapsed", elapsed)
	}

	l.setState(StateRecording)
	// A stop request must not lose the outcome.
	l.guard(logger, "recording", func() {
		l.record(context.WithoutCancel(spanCtx), g, route, success, result, elapsed, startedAt, res)
	})
	l.guard(logger, "follow-up", func() { l.followUp(g, success) })
	return false
}

// guard keeps a panic in post-goal bookkeeping from taking the loop down.
func (l *Loop) guard(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goal "+what+" panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) execute(ctx context.Context, route Route, g goal.Goal) (res plan.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("executor panicked", "goal_id", g.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	execCtx := ctx
	if l.cfg.GoalTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.GoalTimeout)
		defer cancel()
	}
	if route == RouteDSL {
		res, err = l.dsl.Execute(execCtx, g)
	} else {
		res, err = l.plan.Execute(execCtx, g)
	}
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("goal timeout exceeded: %w", err)
	}
	return res, err
}

func (l *Loop) record(ctx context.Context, g goal.Goal, route Route, success bool, result string, d time.Duration, startedAt time.Time, res plan.ExecutionResult) {
	l.processed.Add(1)
	if success {
		l.succeeded.Add(1)
	} else {
		l.failed.Add(1)
	}

	if kinds := shared.SecretKinds(result); len(kinds) > 0 {
		l.logger.Warn("goal result contained secret-like text; redacted", "goal_id", g.ID, "kinds", kinds)
		result = shared.Redact(result)
	}

	for _, name := range capability.Infer(g.Description) {
		l.deps.Registry.Update(ctx, name, success, d, truncate(result, 200))
	}

	b := reify(g, success, result, d, startedAt, res)
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrBranch.String(b.Name()))
	if l.deps.Tracker != nil {
		if err := l.deps.Tracker.TrackBranch(ctx, b); err != nil {
			l.logger.Warn("branch tracking failed", "goal_id", g.ID, "branch", b.Name(), "error", err)
		}
	}

	if l.deps.Runs != nil {
		run := goal.Run{
			GoalID:      g.ID,
			Description: g.Description,
			Source:      g.Source,
			Generation:  g.Generation,
			Route:       route.String(),
			Success:     success,
			Result:      result,
			Duration:    d,
			Branch:      b.Name(),
			BranchHash:  b.Hash(),
			StartedAt:   startedAt,
		}
		if err := l.deps.Runs.RecordRun(ctx, run); err != nil {
			l.logger.Warn("goal run record failed", "goal_id", g.ID, "error", err)
		}
	}

	l.remember(ctx, g, success, result)

	topic := bus.TopicGoalCompleted
	if !success {
		topic = bus.TopicGoalFailed
	}
	l.deps.Events.Publish(topic, bus.GoalEvent{
		GoalID:      g.ID,
		Description: g.Description,
		Source:      string(g.Source),
		Success:     success,
		Result:      truncate(result, 500),
		Duration:    d,
	})
	l.deps.Metrics.RecordGoal(ctx, success, d)
}

// reify turns a goal outcome into a branch. Plan steps come first, then the
// outcome event.
func reify(g goal.Goal, success bool, result string, d time.Duration, startedAt time.Time, res plan.ExecutionResult) network.Branch {
	b := network.NewBranch(fmt.Sprintf("goal-%s-%d", g.ID, startedAt.UnixNano()))
	for _, s := range res.Steps {
		status := "ok"
		if !s.Success {
			status = "failed: " + s.Error
		}
		b = b.WithIngestEvent("plan:step", fmt.Sprint(s.Index), s.Agent, status)
	}
	outcome := "goal:success"
	if !success {
		outcome = "goal:failure"
	}
	return b.WithIngestEvent(outcome, g.Description, result, d.String())
}

func (l *Loop) remember(ctx context.Context, g goal.Goal, success bool, result string) {
	h := l.deps.Host
	if !h.Has(host.KindEmbedder) || !h.Has(host.KindMemory) {
		return
	}
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	text := fmt.Sprintf("Goal %q %s: %s", g.Description, outcome, truncate(result, 500))
	vec, err := h.Embedder.Embed(ctx, text)
	if err != nil {
		l.logger.Debug("outcome embedding failed", "goal_id", g.ID, "error", err)
		return
	}
	if err := h.Memory.StoreMemory(ctx, "goal_outcome", text, vec); err != nil {
		l.logger.Debug("outcome memory store failed", "goal_id", g.ID, "error", err)
	}
}

func (l *Loop) followUp(g goal.Goal, success bool) {
	if g.Generation >= l.cfg.MaxFollowUpDepth {
		return
	}
	prefix := "Reflect: "
	if success {
		prefix = "Learn: "
	}
	child := g.FollowUp(prefix + g.Description)
	l.Enqueue(child)
	l.logger.Debug("follow-up enqueued", "goal_id", child.ID, "parent_id", g.ID, "generation", child.Generation)
}

// SelfEvaluate looks for capability gaps related to the latest failure
// and, when the queue is empty, enqueues one improvement goal. It returns
// the gaps found.
func (l *Loop) SelfEvaluate(ctx context.Context) []string {
	weakest := l.deps.Registry.Weakest(3)
	names := make([]string, 0, len(weakest))
	for _, c := range weakest {
		names = append(names, c.Name)
	}
	weakness := ""
	if e := l.lastError.Load(); e != nil {
		weakness = *e
	}
	gaps := l.deps.Registry.IdentifyGaps(weakness)
	l.logger.Info("self-evaluation", "weakest", names, "gaps", gaps)
	if len(gaps) == 0 {
		return nil
	}
	l.deps.Events.Publish(bus.TopicCapabilityGaps, bus.CapabilityGaps{Names: gaps})
	if l.deps.Queue.Len() == 0 {
		g := goal.New("Improve capability "+gaps[0], shared.PriorityLow, goal.SourceSelfEval)
		l.Enqueue(g)
	}
	return gaps
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
