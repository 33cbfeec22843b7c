// Package plan holds goal decompositions and their execution results.
package plan

import (
	"errors"
	"time"
)

var ErrEmptyPlan = errors.New("plan: no steps")

// Step is one unit of a plan. A step with a Tool runs through the tool
// runner; any other step is handed to the thinker.
type Step struct {
	Description string            `json:"description"`
	Tool        string            `json:"tool,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
}

type Plan struct {
	GoalID string
	Goal   string
	Steps  []Step
}

func (p Plan) Len() int { return len(p.Steps) }

type StepResult struct {
	Index    int
	Agent    string
	Output   string
	Success  bool
	Error    string
	Duration time.Duration
}

// ExecutionResult is the outcome of running a plan, locally or across
// sub-agents. Treat it as immutable once returned.
type ExecutionResult struct {
	GoalID   string
	Steps    []StepResult
	Success  bool
	Output   string
	Duration time.Duration
	Metadata map[string]string
}

// FirstFailure returns the lowest-index failed step.
func (r ExecutionResult) FirstFailure() (StepResult, bool) {
	var (
		found StepResult
		ok    bool
	)
	for _, s := range r.Steps {
		if s.Success {
			continue
		}
		if !ok || s.Index < found.Index {
			found, ok = s, true
		}
	}
	return found, ok
}
