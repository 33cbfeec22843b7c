package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/coordinator"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/network"
	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/selfexec"
	"github.com/basket/go-autonomy/internal/shared"
)

const (
	recentRunsShown = 5
	branchesShown   = 20
	noteMaxLen      = 80
)

// RunLister supplies goal-run history for the status view.
type RunLister interface {
	RecentRuns(ctx context.Context, limit int) ([]goal.Run, error)
}

// MetricsSource reports the in-process metric readings.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]otel.Reading, error)
}

type Deps struct {
	Coordinator *coordinator.Coordinator
	Intentions  *intention.Bus
	Loop        *selfexec.Loop
	Queue       *goal.Queue
	Tracker     *network.Tracker
	Registry    *capability.Registry
	Runs        RunLister
	Metrics     MetricsSource
	Host        host.Set
	Logger      *slog.Logger
}

// Handler executes parsed commands. The base context outlives single
// commands and is used for anything started from one, like the loop.
type Handler struct {
	deps Deps
	base context.Context
	host host.Set
}

func NewHandler(base context.Context, deps Deps) *Handler {
	if deps.Queue == nil && deps.Loop != nil {
		deps.Queue = deps.Loop.Queue()
	}
	if deps.Queue == nil {
		deps.Queue = goal.NewQueue()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{deps: deps, base: base, host: deps.Host.Filled()}
}

// Handle runs one input line and returns the text to show. It never panics.
func (h *Handler) Handle(ctx context.Context, line string) (out string) {
	cmd := Parse(line)
	if cmd.Kind == KindEmpty {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			h.deps.Logger.Error("command panicked", "command", cmd.Kind.String(), "panic", r, "stack", string(debug.Stack()))
			out = fmt.Sprintf("Internal error while running %s: %v", cmd.Kind, r)
		}
	}()

	h.logMessage(ctx, "user", cmd.Raw)
	out = h.dispatch(ctx, cmd)
	h.logMessage(ctx, "assistant", out)
	return out
}

func (h *Handler) dispatch(ctx context.Context, cmd Command) string {
	switch cmd.Kind {
	case KindHelp:
		return helpText
	case KindGoalAdd:
		return h.goalAdd(cmd.Arg)
	case KindGoalList:
		return h.goalList()
	case KindGoalClear:
		n := h.deps.Queue.Clear()
		return fmt.Sprintf("Cleared %d queued goal(s).", n)
	case KindSelfexecStart:
		return h.selfexecStart()
	case KindSelfexecStop:
		return h.selfexecStop()
	case KindSelfexecStatus:
		return h.selfexecStatus(ctx)
	case KindApprove:
		return h.resolve(ctx, cmd, true)
	case KindReject:
		return h.resolve(ctx, cmd, false)
	case KindPending:
		return h.pending()
	case KindPause:
		return h.pause()
	case KindResume:
		return h.resume()
	case KindTick:
		return h.tick(ctx)
	case KindFacts:
		return h.facts(ctx, cmd.Arg)
	case KindBranches:
		return h.branches()
	case KindCapabilities:
		return h.capabilities()
	case KindMetrics:
		return h.metrics(ctx)
	default:
		return h.chat(ctx, cmd.Raw)
	}
}

const helpText = `Commands:
  goal add <description>      Queue a goal for the self-execution loop
  goal list                   Show queued goals
  goal clear                  Drop all queued goals
  selfexec start|stop|status  Control or inspect the self-execution loop
  /pending                    List intentions awaiting a decision
  /approve <id|all> [note]    Approve by id prefix, or everything pending
  /reject <id|all> [note]     Reject by id prefix, or everything pending
  /pause                      Suspend ideation and goal execution
  /resume                     Resume ideation and goal execution
  /tick                       Run one ideation round now
  /facts <query>              Query the fact store, e.g. branch_head(B, H, N)
  /branches                   List tracked goal branches
  /capabilities               Show capability success rates
  /metrics                    Show goal, intention and delegation counters
  /help                       Show this help
Anything else is sent to chat when one is configured.`

func (h *Handler) goalAdd(desc string) string {
	if strings.TrimSpace(desc) == "" {
		return "Usage: goal add <description>"
	}
	var g goal.Goal
	switch {
	case h.deps.Coordinator != nil:
		var err error
		if g, err = h.deps.Coordinator.AddGoal(desc); err != nil {
			return fmt.Sprintf("Could not add goal: %v", err)
		}
	case h.deps.Loop != nil:
		g = goal.New(desc, shared.PriorityNormal, goal.SourceUser)
		h.deps.Loop.Enqueue(g)
	default:
		g = goal.New(desc, shared.PriorityNormal, goal.SourceUser)
		h.deps.Queue.Enqueue(g)
	}
	msg := fmt.Sprintf("Queued goal %s: %s", g.ShortID(), g.Description)
	if h.deps.Loop != nil && !h.deps.Loop.Running() {
		msg += "\nThe self-execution loop is not running. Use `selfexec start`."
	}
	return msg
}

func (h *Handler) goalList() string {
	goals := h.deps.Queue.Snapshot()
	if len(goals) == 0 {
		return "Goal queue is empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Queued goals (%d):", len(goals))
	for i, g := range goals {
		fmt.Fprintf(&b, "\n  %d. %s [%s, %s] %s", i+1, g.ShortID(), g.Priority, g.Source, g.Description)
	}
	return b.String()
}

func (h *Handler) selfexecStart() string {
	if h.deps.Loop == nil {
		return "Self-execution loop is not available."
	}
	if err := h.deps.Loop.Start(h.base); err != nil {
		if errors.Is(err, selfexec.ErrAlreadyRunning) {
			return "Self-execution loop is already running."
		}
		return fmt.Sprintf("Could not start self-execution loop: %v", err)
	}
	return "Self-execution loop started."
}

func (h *Handler) selfexecStop() string {
	if h.deps.Loop == nil {
		return "Self-execution loop is not available."
	}
	if !h.deps.Loop.Running() {
		return "Self-execution loop is not running."
	}
	h.deps.Loop.Stop()
	return "Self-execution loop stopped."
}

func (h *Handler) selfexecStatus(ctx context.Context) string {
	if h.deps.Loop == nil {
		return "Self-execution loop is not available."
	}
	st := h.deps.Loop.Status()
	var b strings.Builder
	running := "stopped"
	if st.Running {
		running = "running"
	}
	if st.Paused {
		running += ", paused"
	}
	fmt.Fprintf(&b, "Self-execution loop: %s (%s)\n", st.State, running)
	fmt.Fprintf(&b, "  queued: %d  processed: %d  succeeded: %d  failed: %d", st.Queued, st.Processed, st.Succeeded, st.Failed)
	if st.Current != "" {
		fmt.Fprintf(&b, "\n  current: %s", st.Current)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "\n  last error: %s", truncate(st.LastError, noteMaxLen))
	}
	if h.deps.Coordinator != nil {
		cs := h.deps.Coordinator.Status()
		fmt.Fprintf(&b, "\nCoordinator: schedule %s, %d pending intention(s)", cs.Schedule, cs.Pending)
		if !cs.NextTick.IsZero() {
			fmt.Fprintf(&b, ", next tick %s", cs.NextTick.Format(time.Kitchen))
		}
		if len(cs.AutoApprove) > 0 {
			fmt.Fprintf(&b, "\n  auto-approve: %s up to %s", strings.Join(cs.AutoApprove, ", "), cs.MaxPriority)
		}
	}
	if h.deps.Runs == nil {
		return b.String()
	}
	runs, err := h.deps.Runs.RecentRuns(ctx, recentRunsShown)
	if err != nil {
		h.deps.Logger.Warn("recent runs unavailable", "error", err)
		return b.String()
	}
	if len(runs) > 0 {
		b.WriteString("\nRecent runs:")
		for _, r := range runs {
			mark := "ok  "
			if !r.Success {
				mark = "FAIL"
			}
			fmt.Fprintf(&b, "\n  %s %s %s (%s, %s)", mark, r.StartedAt.Local().Format("15:04:05"),
				truncate(r.Description, noteMaxLen), r.Route, r.Duration.Round(time.Millisecond))
		}
	}
	return b.String()
}

func (h *Handler) resolve(ctx context.Context, cmd Command, approve bool) string {
	verb, past := "reject", "Rejected"
	if approve {
		verb, past = "approve", "Approved"
	}
	if h.deps.Intentions == nil {
		return "Intentions are not available."
	}
	if cmd.Arg == "" {
		return fmt.Sprintf("Usage: /%s <id|all> [note]", verb)
	}

	if strings.EqualFold(cmd.Arg, "all") {
		var outcomes []intention.Outcome
		if approve {
			outcomes = h.deps.Intentions.ApproveAll(ctx, cmd.Note)
		} else {
			outcomes = h.deps.Intentions.RejectAll(ctx, cmd.Note)
		}
		if len(outcomes) == 0 {
			return "No pending intentions."
		}
		var b strings.Builder
		ok := 0
		for _, o := range outcomes {
			if o.OK {
				ok++
			}
		}
		fmt.Fprintf(&b, "%s %d of %d pending intention(s):", past, ok, len(outcomes))
		for _, o := range outcomes {
			status := past
			if !o.OK {
				status = "skipped"
			}
			fmt.Fprintf(&b, "\n  %s %s (%s)", shortID(o.ID), o.Title, strings.ToLower(status))
		}
		return b.String()
	}

	title := h.pendingTitle(cmd.Arg)
	var ok bool
	if approve {
		ok = h.deps.Intentions.ApproveByPrefix(ctx, cmd.Arg, cmd.Note)
	} else {
		ok = h.deps.Intentions.RejectByPrefix(ctx, cmd.Arg, cmd.Note)
	}
	if !ok {
		return fmt.Sprintf("No pending intention matches %q (unknown or ambiguous prefix).", cmd.Arg)
	}
	if approve && h.deps.Coordinator != nil {
		return fmt.Sprintf("%s %s: %s. Queued as a goal.", past, cmd.Arg, title)
	}
	return fmt.Sprintf("%s %s: %s.", past, cmd.Arg, title)
}

// pendingTitle looks up the title for display only; the bus decides the
// actual match.
func (h *Handler) pendingTitle(prefix string) string {
	prefix = strings.ToLower(prefix)
	for _, in := range h.deps.Intentions.Pending() {
		if strings.HasPrefix(strings.ToLower(in.ID), prefix) {
			return in.Title
		}
	}
	return ""
}

func (h *Handler) pending() string {
	if h.deps.Intentions == nil {
		return "Intentions are not available."
	}
	pending := h.deps.Intentions.Pending()
	if len(pending) == 0 {
		return "No pending intentions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pending intentions (%d):", len(pending))
	for _, in := range pending {
		fmt.Fprintf(&b, "\n  %s [%s] %s", shortID(in.ID), in.Priority, in.Title)
		if in.Category != "" {
			fmt.Fprintf(&b, " (%s)", in.Category)
		}
		if in.Rationale != "" {
			fmt.Fprintf(&b, "\n      %s", truncate(in.Rationale, noteMaxLen))
		}
	}
	b.WriteString("\nUse /approve <id> or /reject <id>.")
	return b.String()
}

func (h *Handler) pause() string {
	switch {
	case h.deps.Coordinator != nil:
		h.deps.Coordinator.Pause()
	case h.deps.Loop != nil:
		h.deps.Loop.Pause()
	default:
		return "Nothing to pause."
	}
	return "Autonomy paused. Ideation and goal execution are suspended."
}

func (h *Handler) resume() string {
	switch {
	case h.deps.Coordinator != nil:
		h.deps.Coordinator.Resume()
	case h.deps.Loop != nil:
		h.deps.Loop.Resume()
	default:
		return "Nothing to resume."
	}
	return "Autonomy resumed."
}

func (h *Handler) tick(ctx context.Context) string {
	if h.deps.Coordinator == nil {
		return "Coordinator is not available."
	}
	proposed := h.deps.Coordinator.Tick(ctx)
	if len(proposed) == 0 {
		return "Tick proposed nothing."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tick proposed %d intention(s):", len(proposed))
	for _, in := range proposed {
		fmt.Fprintf(&b, "\n  %s [%s] %s (%s)", shortID(in.ID), in.Priority, in.Title, in.Status)
	}
	return b.String()
}

func (h *Handler) facts(ctx context.Context, query string) string {
	if query == "" {
		return "Usage: /facts <query>, e.g. /facts branch_event(B, I, \"goal:failure\", H)"
	}
	res, err := h.host.Facts.QueryFacts(ctx, query)
	switch {
	case errors.Is(err, host.ErrNotConfigured):
		return "Fact store is not configured."
	case err != nil:
		return fmt.Sprintf("Fact query failed: %v", err)
	case strings.TrimSpace(res) == "":
		return fmt.Sprintf("No facts match %s.", query)
	}
	return res
}

func (h *Handler) branches() string {
	if h.deps.Tracker == nil {
		return "Branch tracking is not available."
	}
	names := h.deps.Tracker.Names()
	if len(names) == 0 {
		return "No branches tracked yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tracked branches (%d):", len(names))
	start := max(0, len(names)-branchesShown)
	if start > 0 {
		fmt.Fprintf(&b, "\n  ... %d older branch(es) not shown", start)
	}
	for _, name := range names[start:] {
		br, ok := h.deps.Tracker.Branch(name)
		if !ok {
			continue
		}
		state := "verified"
		if !br.Verify() {
			state = "TAMPERED"
		}
		fmt.Fprintf(&b, "\n  %s  events=%d  hash=%s  %s", name, br.Len(), shortID(br.Hash()), state)
	}
	if n := h.deps.Tracker.MirrorDropped(); n > 0 {
		fmt.Fprintf(&b, "\n  mirror queue overflowed: %d snapshot(s) not persisted", n)
	}
	return b.String()
}

func (h *Handler) capabilities() string {
	caps := h.deps.Registry.List()
	if len(caps) == 0 {
		return "No capabilities registered."
	}
	var b strings.Builder
	b.WriteString("Capabilities:")
	cutoff := h.deps.Registry.Cutoff()
	for _, c := range caps {
		flag := ""
		if c.SuccessRate < cutoff {
			flag = "  gap"
		}
		fmt.Fprintf(&b, "\n  %-14s rate %.2f  uses %d  avg %s%s", c.Name, c.SuccessRate, c.UsageCount,
			c.AvgDuration.Round(time.Millisecond), flag)
	}
	return b.String()
}

func (h *Handler) chat(ctx context.Context, text string) string {
	if !h.host.Has(host.KindChat) {
		return "Unknown command. Type /help."
	}
	reply, err := h.host.Chat.ProcessChat(ctx, text)
	if err != nil {
		h.deps.Logger.Warn("chat failed", "error", err)
		return fmt.Sprintf("Chat failed: %v", err)
	}
	return reply
}

func (h *Handler) logMessage(ctx context.Context, role, content string) {
	if content == "" {
		return
	}
	if err := h.host.Messages.StoreMessage(ctx, host.Message{Role: role, Content: content, CreatedAt: time.Now()}); err != nil {
		h.deps.Logger.Debug("message log failed", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	n -= 3
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (h *Handler) metrics(ctx context.Context) string {
	if h.deps.Metrics == nil {
		return "Telemetry is disabled; set otel.enabled in config.yaml."
	}
	readings, err := h.deps.Metrics.Snapshot(ctx)
	if err != nil {
		return "Could not read metrics: " + err.Error()
	}
	if len(readings) == 0 {
		return "No metrics recorded yet."
	}
	var b strings.Builder
	b.WriteString("Metrics:")
	for _, r := range readings {
		name := r.Name
		if r.Attrs != "" {
			name += "{" + r.Attrs + "}"
		}
		if r.Count > 0 {
			fmt.Fprintf(&b, "\n  %-48s count %d  avg %.2fs", name, r.Count, r.Value/float64(r.Count))
			continue
		}
		fmt.Fprintf(&b, "\n  %-48s %g", name, r.Value)
	}
	return b.String()
}
