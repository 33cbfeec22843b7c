package selfexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-autonomy/internal/agent"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/plan"
)

// Executor runs one goal. A non-nil error marks the goal failed; the
// result may still carry the steps that ran.
type Executor interface {
	Execute(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error)
}

type ExecutorFunc func(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error) {
	return f(ctx, g)
}

// PlanExecutor decomposes a goal into steps and runs them, handing large
// plans to the orchestrator when one is set.
type PlanExecutor struct {
	Thinker      host.Thinker
	Tools        host.ToolRunner
	Orchestrator *agent.Orchestrator
}

type toolLister interface {
	Names() []string
}

func (e PlanExecutor) Execute(ctx context.Context, g goal.Goal) (plan.ExecutionResult, error) {
	var tools []string
	if tl, ok := e.Tools.(toolLister); ok {
		tools = tl.Names()
	}
	p, err := plan.Decompose(ctx, e.Thinker, g.ID, g.Description, tools...)
	if err != nil {
		return plan.ExecutionResult{GoalID: g.ID}, err
	}

	if e.Orchestrator != nil && e.Orchestrator.ShouldDelegate(p) {
		res, err := e.Orchestrator.ExecuteDistributed(ctx, p)
		switch {
		case errors.Is(err, agent.ErrNoAgents), errors.Is(err, agent.ErrBelowThreshold):
			// Roster changed since ShouldDelegate; run it here instead.
		default:
			return res, err
		}
	}
	return e.runLocal(ctx, p)
}

func (e PlanExecutor) runLocal(ctx context.Context, p plan.Plan) (plan.ExecutionResult, error) {
	start := time.Now()
	res := plan.ExecutionResult{GoalID: p.GoalID, Metadata: map[string]string{"mode": "local", "steps": fmt.Sprint(p.Len())}}
	prev := ""
	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		stepStart := time.Now()
		out, err := e.runStep(ctx, p.Goal, step, prev)
		sr := plan.StepResult{Index: i, Agent: "local", Output: out, Success: err == nil, Duration: time.Since(stepStart)}
		if err != nil {
			sr.Error = err.Error()
			res.Steps = append(res.Steps, sr)
			res.Duration = time.Since(start)
			return res, fmt.Errorf("step %d: %w", i, err)
		}
		res.Steps = append(res.Steps, sr)
		prev = out
	}
	res.Success = true
	res.Output = prev
	res.Duration = time.Since(start)
	return res, nil
}

func (e PlanExecutor) runStep(ctx context.Context, goalText string, step plan.Step, prev string) (string, error) {
	if step.Tool != "" {
		args := make(map[string]string, len(step.Args)+1)
		for k, v := range step.Args {
			args[k] = v
		}
		if _, ok := args["input"]; !ok && prev != "" {
			args["input"] = prev
		}
		return e.Tools.ExecuteTool(ctx, step.Tool, args)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall goal: %s\nCurrent step: %s\n", goalText, step.Description)
	if prev != "" {
		fmt.Fprintf(&sb, "Result of the previous step:\n%s\n", prev)
	}
	sb.WriteString("Reply with the result of the current step only.")
	out, err := e.Thinker.Think(ctx, sb.String())
	return strings.TrimSpace(out), err
}
