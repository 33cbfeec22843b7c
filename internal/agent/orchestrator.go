// Package agent fans large plans out across named sub-agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/plan"
	"github.com/basket/go-autonomy/internal/shared"
)

// DefaultThreshold is the largest plan that still runs locally.
const DefaultThreshold = 3

var (
	ErrBelowThreshold = errors.New("agent: plan does not exceed the delegation threshold")
	ErrNoAgents       = errors.New("agent: no available sub-agents")
	ErrDuplicateAgent = errors.New("agent: name already registered")
	ErrUnknownAgent   = errors.New("agent: not registered")
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

type Info struct {
	Name         string
	Capabilities []string
	Status       Status
}

// Worker executes one delegated step. Workers never see the orchestrator,
// so delegation is one level deep.
type Worker interface {
	ExecuteStep(ctx context.Context, step plan.Step) (string, error)
}

type WorkerFunc func(ctx context.Context, step plan.Step) (string, error)

func (f WorkerFunc) ExecuteStep(ctx context.Context, step plan.Step) (string, error) {
	return f(ctx, step)
}

type member struct {
	info   Info
	worker Worker
}

// Orchestrator holds the sub-agent roster.
type Orchestrator struct {
	mu        sync.RWMutex
	agents    map[string]*member
	threshold int

	events  *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
}

type Option func(*Orchestrator)

func WithThreshold(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.threshold = n
		}
	}
}

func WithEventBus(b *bus.Bus) Option     { return func(o *Orchestrator) { o.events = b } }
func WithMetrics(m *otel.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l *slog.Logger) Option   { return func(o *Orchestrator) { o.logger = l } }

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:    make(map[string]*member),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o *Orchestrator) Threshold() int { return o.threshold }

// RegisterAgent adds a sub-agent. An empty status means available.
func (o *Orchestrator) RegisterAgent(info Info, w Worker) error {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return fmt.Errorf("agent name must be non-empty")
	}
	if w == nil {
		return fmt.Errorf("agent %q: nil worker", info.Name)
	}
	if info.Status == "" {
		info.Status = StatusAvailable
	}
	info.Capabilities = append([]string(nil), info.Capabilities...)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.agents[info.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, info.Name)
	}
	o.agents[info.Name] = &member{info: info, worker: w}
	o.logger.Info("sub-agent registered", "agent_id", info.Name, "capabilities", info.Capabilities)
	return nil
}

func (o *Orchestrator) SetStatus(name string, status Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.agents[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	m.info.Status = status
	return nil
}

func (o *Orchestrator) RemoveAgent(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.agents[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	delete(o.agents, name)
	o.logger.Info("sub-agent removed", "agent_id", name)
	return nil
}

// Agents lists the roster sorted by name.
func (o *Orchestrator) Agents() []Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Info, 0, len(o.agents))
	for _, m := range o.agents {
		info := m.info
		info.Capabilities = append([]string(nil), m.info.Capabilities...)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Available lists the names of available agents in name order.
func (o *Orchestrator) Available() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var names []string
	for name, m := range o.agents {
		if m.info.Status == StatusAvailable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ShouldDelegate reports whether p is large enough and someone can take it.
func (o *Orchestrator) ShouldDelegate(p plan.Plan) bool {
	return p.Len() > o.threshold && len(o.Available()) > 0
}

type assignment struct {
	agent   string
	worker  Worker
	indices []int
}

// ExecuteDistributed assigns step i to the i%n-th available agent. Each
// agent runs its own steps in order and stops at its first failure; the
// other agents carry on. The result fails when any step failed, and the
// returned error wraps the lowest-index failure so callers can still see
// context.Canceled through it.
func (o *Orchestrator) ExecuteDistributed(ctx context.Context, p plan.Plan) (plan.ExecutionResult, error) {
	if p.Len() <= o.threshold {
		return plan.ExecutionResult{}, ErrBelowThreshold
	}
	work, err := o.claim(p)
	if err != nil {
		return plan.ExecutionResult{}, err
	}
	defer o.release(work)

	start := time.Now()
	results := make([]*plan.StepResult, p.Len())
	errs := make([]error, p.Len())
	var g errgroup.Group
	for _, a := range work {
		g.Go(func() error {
			agentCtx := shared.WithAgentID(ctx, a.agent)
			done := 0
			defer func() { o.metrics.RecordDelegatedSteps(ctx, done, a.agent) }()
			for _, idx := range a.indices {
				r, err := runStep(agentCtx, a.agent, a.worker, idx, p.Steps[idx])
				results[idx] = &r
				done++
				o.events.Publish(bus.TopicDelegationStep, bus.DelegationStepEvent{
					PlanGoalID: p.GoalID,
					StepIndex:  idx,
					Agent:      a.agent,
					Success:    r.Success,
				})
				if err != nil {
					errs[idx] = fmt.Errorf("step %d on agent %q: %w", idx, a.agent, err)
					return errs[idx]
				}
			}
			return nil
		})
	}
	waitErr := g.Wait()

	res := plan.ExecutionResult{
		GoalID:   p.GoalID,
		Success:  true,
		Duration: time.Since(start),
		Metadata: map[string]string{
			"mode":   "distributed",
			"agents": fmt.Sprint(len(work)),
		},
	}
	for _, r := range results {
		if r == nil {
			res.Success = false
			continue
		}
		res.Steps = append(res.Steps, *r)
		if r.Success {
			res.Output = r.Output
		}
	}
	if failed, ok := res.FirstFailure(); ok {
		res.Success = false
		res.Output = ""
		res.Metadata["failed_step"] = fmt.Sprint(failed.Index)
		o.logger.Warn("delegated plan failed", "goal_id", p.GoalID, "step", failed.Index, "agent_id", failed.Agent, "error", failed.Error)
		if err := errs[failed.Index]; err != nil {
			return res, err
		}
		return res, waitErr
	}
	if waitErr != nil {
		res.Success = false
		res.Output = ""
		return res, waitErr
	}
	o.logger.Info("delegated plan completed", "goal_id", p.GoalID, "steps", p.Len(), "agents", len(work))
	return res, nil
}

// runStep returns the worker's own error; a panic becomes an error too.
func runStep(ctx context.Context, agent string, w Worker, idx int, step plan.Step) (r plan.StepResult, err error) {
	r = plan.StepResult{Index: idx, Agent: agent}
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
			r.Success = false
			r.Error = err.Error()
		}
		r.Duration = time.Since(start)
	}()
	ctx, span := otel.StartSpan(ctx, nil, "delegation.step",
		otel.AttrAgent.String(agent),
		otel.AttrStepIndex.Int(idx),
	)
	defer span.End()
	out, err := w.ExecuteStep(ctx, step)
	if err != nil {
		r.Error = err.Error()
		span.SetStatus(codes.Error, r.Error)
		return r, err
	}
	r.Output = out
	r.Success = true
	return r, nil
}

// claim marks the available agents busy and builds the round-robin
// assignment under one lock.
func (o *Orchestrator) claim(p plan.Plan) ([]*assignment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var names []string
	for name, m := range o.agents {
		if m.info.Status == StatusAvailable {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, ErrNoAgents
	}
	sort.Strings(names)

	work := make([]*assignment, len(names))
	for i, name := range names {
		work[i] = &assignment{agent: name, worker: o.agents[name].worker}
	}
	for i := range p.Steps {
		a := work[i%len(names)]
		a.indices = append(a.indices, i)
	}
	for _, a := range work {
		o.agents[a.agent].info.Status = StatusBusy
	}
	return work, nil
}

// release returns claimed agents to available unless their status was
// changed while they ran.
func (o *Orchestrator) release(work []*assignment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range work {
		if m, ok := o.agents[a.agent]; ok && m.info.Status == StatusBusy {
			m.info.Status = StatusAvailable
		}
	}
}
