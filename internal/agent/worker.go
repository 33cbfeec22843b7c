package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/plan"
)

// ThinkWorker answers steps with a thinker under a per-agent persona.
// Steps naming a tool go to Tools when one is set.
type ThinkWorker struct {
	Name    string
	Persona string
	Thinker host.Thinker
	Tools   host.ToolRunner
}

func (w ThinkWorker) ExecuteStep(ctx context.Context, step plan.Step) (string, error) {
	if step.Tool != "" && w.Tools != nil {
		out, err := w.Tools.ExecuteTool(ctx, step.Tool, step.Args)
		if err != nil {
			return "", fmt.Errorf("%s: tool %s: %w", w.Name, step.Tool, err)
		}
		return out, nil
	}
	out, err := w.Thinker.Think(ctx, w.prompt(step))
	if err != nil {
		return "", fmt.Errorf("%s: %w", w.Name, err)
	}
	return strings.TrimSpace(out), nil
}

func (w ThinkWorker) prompt(step plan.Step) string {
	var sb strings.Builder
	if w.Persona != "" {
		sb.WriteString(w.Persona)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Complete this step and reply with the result only.\nStep: ")
	sb.WriteString(step.Description)
	if len(step.Args) > 0 {
		keys := make([]string, 0, len(step.Args))
		for k := range step.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nInputs:")
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n- %s: %s", k, step.Args[k])
		}
	}
	return sb.String()
}
