package selfexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/plan"
)

var ErrEmptyPipeline = errors.New("selfexec: empty pipeline")

// ThinkStage is the stage name handled by the thinker instead of a tool.
const ThinkStage = "think"

type Stage struct {
	Name string
	Args string
}

// ParsePipeline splits "pipe: stage | stage" into stages. Each stage is a
// name followed by free-form arguments.
func ParsePipeline(description string) ([]Stage, error) {
	d := strings.TrimSpace(description)
	if hasDSLPrefix(d) {
		d = d[len(DSLPrefix):]
	}
	parts := strings.Split(d, "|")
	stages := make([]Stage, 0, len(parts))
	for i, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			if len(parts) == 1 {
				return nil, ErrEmptyPipeline
			}
			return nil, fmt.Errorf("stage %d is empty", i)
		}
		stages = append(stages, Stage{
			Name: strings.ToLower(fields[0]),
			Args: strings.Join(fields[1:], " "),
		})
	}
	return stages, nil
}

// DSLExecutor runs pipeline goals. Each stage receives the previous
// stage's output.
type DSLExecutor struct {
	Thinker host.Thinker
	Tools   host.ToolRunner
}

func (e DSLExecutor) Execute(ctx context.Context, g goal.Goal) (res plan.ExecutionResult, err error) {
	res = plan.ExecutionResult{GoalID: g.ID, Metadata: map[string]string{"route": RouteDSL.String()}}
	stages, err := ParsePipeline(g.Description)
	if err != nil {
		return res, err
	}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	prev := ""
	for i, st := range stages {
		stepStart := time.Now()
		out, err := e.runStage(ctx, st, prev)
		sr := plan.StepResult{Index: i, Agent: "local", Output: out, Success: err == nil, Duration: time.Since(stepStart)}
		if err != nil {
			sr.Error = err.Error()
			res.Steps = append(res.Steps, sr)
			return res, fmt.Errorf("stage %d (%s): %w", i, st.Name, err)
		}
		res.Steps = append(res.Steps, sr)
		prev = out
	}
	res.Success = true
	res.Output = prev
	return res, nil
}

func (e DSLExecutor) runStage(ctx context.Context, st Stage, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if st.Name == ThinkStage {
		prompt := st.Args
		if input != "" {
			prompt = strings.TrimSpace(prompt + "\n\n" + input)
		}
		out, err := e.Thinker.Think(ctx, prompt)
		return strings.TrimSpace(out), err
	}
	return e.Tools.ExecuteTool(ctx, st.Name, map[string]string{"input": input, "args": st.Args})
}
