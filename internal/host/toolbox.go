package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownTool is returned for a name with no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ToolFunc implements one named tool. Pipeline stages pass the previous
// stage's output as args["input"] and their own arguments as args["args"].
type ToolFunc func(ctx context.Context, args map[string]string) (string, error)

// Toolbox is a ToolRunner backed by an in-process table of functions.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]ToolFunc)}
}

// Register adds or replaces a tool.
func (t *Toolbox) Register(name string, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[strings.ToLower(strings.TrimSpace(name))] = fn
}

func (t *Toolbox) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for n := range t.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *Toolbox) ExecuteTool(ctx context.Context, name string, args map[string]string) (string, error) {
	t.mu.RLock()
	fn, ok := t.tools[strings.ToLower(strings.TrimSpace(name))]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fn(ctx, args)
}

// RegisterBuiltins installs echo, now, upper, facts.query and facts.add.
// clock may be nil.
func RegisterBuiltins(t *Toolbox, facts Facts, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	if facts == nil {
		facts = NotConfigured
	}
	t.Register("echo", func(_ context.Context, args map[string]string) (string, error) {
		return argOrInput(args), nil
	})
	t.Register("upper", func(_ context.Context, args map[string]string) (string, error) {
		return strings.ToUpper(argOrInput(args)), nil
	})
	t.Register("now", func(context.Context, map[string]string) (string, error) {
		return clock().UTC().Format(time.RFC3339), nil
	})
	t.Register("facts.query", func(ctx context.Context, args map[string]string) (string, error) {
		q := argOrInput(args)
		if q == "" {
			return "", errors.New("facts.query: empty query")
		}
		return facts.QueryFacts(ctx, q)
	})
	t.Register("facts.add", func(ctx context.Context, args map[string]string) (string, error) {
		fact := argOrInput(args)
		if fact == "" {
			return "", errors.New("facts.add: empty fact")
		}
		added, err := facts.AddFact(ctx, fact)
		if err != nil {
			return "", err
		}
		if !added {
			return "already known: " + fact, nil
		}
		return "added: " + fact, nil
	})
}

// argOrInput prefers explicit stage arguments over piped input.
func argOrInput(args map[string]string) string {
	if a := strings.TrimSpace(args["args"]); a != "" {
		return a
	}
	return strings.TrimSpace(args["input"])
}
