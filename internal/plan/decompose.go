package plan

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-autonomy/internal/host"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	return c.Compile("plan.json")
})

const decomposePrompt = `Break the following goal into a short ordered list of concrete steps.
Reply with JSON only, in the form:
{"steps":[{"description":"...","tool":"optional tool name","args":{"key":"value"}}]}
Leave "tool" empty for steps that only need reasoning.%s

Goal: %s`

var numberedLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// Decompose asks the thinker for a plan. A reply that fails schema
// validation falls back to numbered-line parsing, then to a single step
// holding the whole goal. Only a thinker error is returned.
func Decompose(ctx context.Context, thinker host.Thinker, goalID, goal string, tools ...string) (Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Plan{}, ErrEmptyPlan
	}
	toolHint := ""
	if len(tools) > 0 {
		toolHint = "\nAvailable tools: " + strings.Join(tools, ", ") + "."
	}
	reply, err := thinker.Think(ctx, fmt.Sprintf(decomposePrompt, toolHint, goal))
	if err != nil {
		return Plan{}, fmt.Errorf("decompose: %w", err)
	}
	p := Plan{GoalID: goalID, Goal: goal}
	if steps, err := ParseSteps(reply); err == nil {
		p.Steps = steps
		return p, nil
	}
	if steps := parseNumbered(reply); len(steps) > 0 {
		p.Steps = steps
		return p, nil
	}
	p.Steps = []Step{{Description: goal}}
	return p, nil
}

// ParseSteps extracts and validates the JSON plan in an LLM reply.
func ParseSteps(reply string) ([]Step, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, errors.New("no JSON object in reply")
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan schema: %w", err)
	}

	var wire struct {
		Steps []struct {
			Description string         `json:"description"`
			Tool        string         `json:"tool"`
			Args        map[string]any `json:"args"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	steps := make([]Step, 0, len(wire.Steps))
	for _, s := range wire.Steps {
		step := Step{Description: strings.TrimSpace(s.Description), Tool: strings.TrimSpace(s.Tool)}
		if len(s.Args) > 0 {
			step.Args = make(map[string]string, len(s.Args))
			for k, v := range s.Args {
				step.Args[k] = fmt.Sprint(v)
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseNumbered(reply string) []Step {
	var steps []Step
	for _, line := range strings.Split(reply, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if d := strings.TrimSpace(m[1]); d != "" {
			steps = append(steps, Step{Description: d})
		}
	}
	return steps
}

// extractJSON finds a JSON object in the reply, preferring a fenced block.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := balanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// balanced returns the brace-balanced object at the start of s.
func balanced(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
