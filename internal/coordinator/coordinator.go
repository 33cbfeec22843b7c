// Package coordinator owns the autonomy lifecycle: periodic ideation,
// auto-approval policy and the self-execution loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/cron"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/safety"
	"github.com/basket/go-autonomy/internal/selfexec"
	"github.com/basket/go-autonomy/internal/shared"
)

// Persona is the presenter persona used for coordinator messages.
const Persona = "coordinator"

const (
	DefaultTickSchedule = "@every 10m"
	DefaultMaxPending   = 20
	DefaultIdeasPerTick = 3
)

var ErrEmptyGoal = errors.New("coordinator: empty goal")

type Deps struct {
	Intentions *intention.Bus
	Queue      *goal.Queue
	Loop       *selfexec.Loop
	Registry   *capability.Registry
	Host       host.Set
	Events     *bus.Bus
	Logger     *slog.Logger
}

type Config struct {
	TickSchedule           string
	AutoApproveCategories  []string
	AutoApproveMaxPriority shared.Priority
	MaxPending             int
	IdeasPerTick           int
	AutoStartLoop          bool
}

type Coordinator struct {
	intentions *intention.Bus
	queue      *goal.Queue
	loop       *selfexec.Loop
	registry   *capability.Registry
	host       host.Set
	events     *bus.Bus
	logger     *slog.Logger
	cfg        Config
	scheduler  *cron.Scheduler

	tickMu sync.Mutex
	paused atomic.Bool

	policyMu    sync.RWMutex
	autoCats    map[string]bool
	autoMaxPrio shared.Priority
}

// New wires the coordinator and registers it as the intention bus approver.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Intentions == nil {
		return nil, fmt.Errorf("coordinator: intention bus is required")
	}
	if deps.Queue == nil && deps.Loop != nil {
		deps.Queue = deps.Loop.Queue()
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("coordinator: goal queue is required")
	}
	if strings.TrimSpace(cfg.TickSchedule) == "" {
		cfg.TickSchedule = DefaultTickSchedule
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.IdeasPerTick <= 0 {
		cfg.IdeasPerTick = DefaultIdeasPerTick
	}
	c := &Coordinator{
		intentions: deps.Intentions,
		queue:      deps.Queue,
		loop:       deps.Loop,
		registry:   deps.Registry,
		host:       deps.Host.Filled(),
		events:     deps.Events,
		logger:     deps.Logger,
		cfg:        cfg,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.SetAutoApprove(cfg.AutoApproveCategories, cfg.AutoApproveMaxPriority)

	sched, err := cron.NewScheduler(cron.Config{
		Name:   "ideation",
		Spec:   cfg.TickSchedule,
		Job:    c.scheduledTick,
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.scheduler = sched
	c.intentions.SetApprover(c)
	return c, nil
}

// Start begins scheduled ideation and, when configured, the loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.scheduler.Start(ctx)
	if c.cfg.AutoStartLoop && c.loop != nil {
		if err := c.loop.Start(ctx); err != nil && !errors.Is(err, selfexec.ErrAlreadyRunning) {
			c.scheduler.Stop()
			return err
		}
	}
	c.logger.Info("coordinator started", "schedule", c.cfg.TickSchedule, "autostart_loop", c.cfg.AutoStartLoop)
	return nil
}

// Stop halts ideation and the loop and waits for both.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
	if c.loop != nil {
		c.loop.Stop()
	}
	c.logger.Info("coordinator stopped")
}

// Pause suspends both ideation ticks and goal dequeueing.
func (c *Coordinator) Pause() {
	c.paused.Store(true)
	if c.loop != nil {
		c.loop.Pause()
	}
	c.logger.Info("autonomy paused")
}

func (c *Coordinator) Resume() {
	c.paused.Store(false)
	if c.loop != nil {
		c.loop.Resume()
	}
	c.logger.Info("autonomy resumed")
}

func (c *Coordinator) Paused() bool { return c.paused.Load() }

// SetAutoApprove replaces the auto-approval policy. Safe to call while
// running.
func (c *Coordinator) SetAutoApprove(categories []string, maxPriority shared.Priority) {
	cats := make(map[string]bool, len(categories))
	for _, cat := range categories {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			cats[cat] = true
		}
	}
	c.policyMu.Lock()
	c.autoCats = cats
	c.autoMaxPrio = maxPriority
	c.policyMu.Unlock()
	c.logger.Info("auto-approval policy set", "categories", sortedKeys(cats), "max_priority", maxPriority.String())
}

// AutoApprovePolicy returns the current categories (sorted) and priority cap.
func (c *Coordinator) AutoApprovePolicy() ([]string, shared.Priority) {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return sortedKeys(c.autoCats), c.autoMaxPrio
}

func (c *Coordinator) autoApproves(in intention.Intention) bool {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.autoCats[in.Category] && in.Priority <= c.autoMaxPrio
}

// Approved implements intention.Approver by turning the intention into an
// ideation goal.
func (c *Coordinator) Approved(_ context.Context, in intention.Intention) error {
	desc := in.Title
	if in.Description != "" {
		desc = in.Title + ": " + in.Description
	}
	g := goal.New(desc, in.Priority, goal.SourceIdeation)
	g.ParentID = in.ID
	c.enqueue(g)
	c.logger.Info("intention became goal", "intention_id", in.ID, "goal_id", g.ID)
	return nil
}

// AddGoal enqueues an operator goal at normal priority.
func (c *Coordinator) AddGoal(description string) (goal.Goal, error) {
	if strings.TrimSpace(description) == "" {
		return goal.Goal{}, ErrEmptyGoal
	}
	g := goal.New(description, shared.PriorityNormal, goal.SourceUser)
	c.enqueue(g)
	return g, nil
}

func (c *Coordinator) enqueue(g goal.Goal) {
	if c.loop != nil && c.loop.Queue() == c.queue {
		c.loop.Enqueue(g)
		return
	}
	c.queue.Enqueue(g)
	c.events.Publish(bus.TopicGoalEnqueued, bus.GoalEvent{GoalID: g.ID, Description: g.Description, Source: string(g.Source)})
}

func (c *Coordinator) scheduledTick(ctx context.Context) {
	if c.Paused() {
		c.logger.Debug("ideation tick skipped while paused")
		return
	}
	c.Tick(ctx)
}

// Tick runs one ideation round and returns the intentions it proposed, with
// any auto-approval already applied.
func (c *Coordinator) Tick(ctx context.Context) []intention.Intention {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	pending := c.intentions.Pending()
	if len(pending) >= c.cfg.MaxPending {
		c.logger.Info("ideation skipped: too many pending intentions", "pending", len(pending), "max", c.cfg.MaxPending)
		return nil
	}
	budget := min(c.cfg.IdeasPerTick, c.cfg.MaxPending-len(pending))

	ideas, fallback := c.ideate(ctx, budget, pending)
	seen := make(map[string]bool, len(pending))
	for _, in := range pending {
		seen[strings.ToLower(in.Title)] = true
	}

	var out []intention.Intention
	approved := 0
	for _, idea := range ideas {
		if len(out) >= budget {
			break
		}
		key := strings.ToLower(idea.Title)
		if seen[key] {
			continue
		}
		seen[key] = true
		if f := safety.ScreenIdea(idea.Title + "\n" + idea.Rationale); f.Verdict != safety.Allow {
			c.logger.Warn("ideation screened", "title", idea.Title, "verdict", f.Verdict.String(), "reason", f.Reason)
			if f.Blocked() {
				continue
			}
		}

		in := c.intentions.Propose(ctx, idea)
		c.host.Presenter.DisplayAndSpeak(ctx,
			fmt.Sprintf("Proposed %s [%s, %s]: %s", in.ID[:8], in.Category, in.Priority, in.Title), Persona)
		if c.autoApproves(in) && c.intentions.ApproveByPrefix(ctx, in.ID, "auto-approved") {
			approved++
			c.host.Presenter.DisplayAndSpeak(ctx, fmt.Sprintf("Auto-approved %s: %s", in.ID[:8], in.Title), Persona)
		}
		if cur, ok := c.intentions.Get(in.ID); ok {
			in = cur
		}
		out = append(out, in)
	}

	c.events.Publish(bus.TopicCoordinatorTick, bus.CoordinatorTick{Proposed: len(out), AutoApproved: approved, Fallback: fallback})
	c.logger.Info("ideation tick", "proposed", len(out), "auto_approved", approved, "fallback", fallback)
	return out
}

// ideate asks the thinker for ideas and falls back to capability gaps when
// it is missing, fails or produces nothing usable.
func (c *Coordinator) ideate(ctx context.Context, n int, pending []intention.Intention) ([]intention.ProposeRequest, bool) {
	if c.host.Has(host.KindThinker) {
		reply, err := c.host.Thinker.Think(ctx, c.ideationPrompt(n, pending))
		switch ideas := ParseIdeas(reply); {
		case err != nil:
			c.logger.Warn("ideation thinker failed; using capability gaps", "error", err)
		case len(ideas) == 0:
			c.logger.Warn("ideation reply had no usable ideas; using capability gaps")
		default:
			return ideas, false
		}
	}
	return c.gapIdeas(), true
}

func (c *Coordinator) gapIdeas() []intention.ProposeRequest {
	var ideas []intention.ProposeRequest
	for _, name := range c.registry.IdentifyGaps("") {
		capab, _ := c.registry.Get(name)
		ideas = append(ideas, intention.ProposeRequest{
			Title:       "Improve " + name,
			Description: capab.Description,
			Category:    "self_improvement",
			Priority:    shared.PriorityLow,
			Rationale:   fmt.Sprintf("success rate %.2f is below %.2f", capab.SuccessRate, c.registry.Cutoff()),
		})
	}
	return ideas
}

func (c *Coordinator) ideationPrompt(n int, pending []intention.Intention) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Suggest up to %d useful actions you could take on your own initiative.\n", n)
	sb.WriteString("Reply with one idea per line in the form:\ncategory | priority | title | rationale\n")
	sb.WriteString("priority is one of low, normal, high, critical.\n")
	if weak := c.registry.Weakest(3); len(weak) > 0 {
		sb.WriteString("\nYour weakest capabilities:\n")
		for _, cp := range weak {
			fmt.Fprintf(&sb, "- %s (success rate %.2f)\n", cp.Name, cp.SuccessRate)
		}
	}
	if len(pending) > 0 {
		sb.WriteString("\nAlready awaiting approval (do not repeat):\n")
		for _, in := range pending {
			fmt.Fprintf(&sb, "- %s\n", in.Title)
		}
	}
	return sb.String()
}

// ParseIdeas reads "category | priority | title | rationale" lines. The
// rationale is optional; malformed lines are skipped.
func ParseIdeas(reply string) []intention.ProposeRequest {
	var ideas []intention.ProposeRequest
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.) "))
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 3 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" || parts[2] == "" {
			continue
		}
		prio, _ := shared.ParsePriority(parts[1])
		idea := intention.ProposeRequest{Category: parts[0], Priority: prio, Title: parts[2]}
		if len(parts) == 4 {
			idea.Rationale = parts[3]
		}
		ideas = append(ideas, idea)
	}
	return ideas
}

// Status is a snapshot for the status command.
type Status struct {
	Paused       bool
	Schedule     string
	NextTick     time.Time
	Pending      int
	Queued       int
	AutoApprove  []string
	MaxPriority  shared.Priority
	Loop         selfexec.Status
	LoopAttached bool
}

func (c *Coordinator) Status() Status {
	cats, prio := c.AutoApprovePolicy()
	st := Status{
		Paused:      c.Paused(),
		Schedule:    c.cfg.TickSchedule,
		NextTick:    c.scheduler.Next(),
		Pending:     c.intentions.PendingCount(),
		Queued:      c.queue.Len(),
		AutoApprove: cats,
		MaxPriority: prio,
	}
	if c.loop != nil {
		st.Loop = c.loop.Status()
		st.LoopAttached = true
	}
	return st
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
