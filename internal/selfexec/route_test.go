package selfexec

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/shared"
)

func TestClassify(t *testing.T) {
	cases := map[string]Route{
		"pipe: echo hi":                RouteDSL,
		"  PIPE: think about it":       RouteDSL,
		"echo hi | upper":              RouteDSL,
		"Research the history of Go":   RoutePlan,
		"":                             RoutePlan,
		"pipeline the data (no colon)": RoutePlan,
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Errorf("Classify(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFollowUpsAreAlwaysPlanned(t *testing.T) {
	parent := goal.New("pipe: echo hi | upper", shared.PriorityNormal, goal.SourceUser)
	if RouteFor(parent) != RouteDSL {
		t.Fatal("pipeline goal should take the DSL route")
	}
	child := parent.FollowUp("Learn: " + parent.Description)
	if got := RouteFor(child); got != RoutePlan {
		t.Fatalf("follow-up route = %v", got)
	}
}

func TestParsePipeline(t *testing.T) {
	stages, err := ParsePipeline("pipe: Echo hello world |  think summarise this | upper")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Stage{{"echo", "hello world"}, {"think", "summarise this"}, {"upper", ""}}
	if len(stages) != len(want) {
		t.Fatalf("stages = %+v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d = %+v, want %+v", i, stages[i], want[i])
		}
	}

	if _, err := ParsePipeline("pipe:   "); !errors.Is(err, ErrEmptyPipeline) {
		t.Fatalf("empty pipeline err = %v", err)
	}
	if _, err := ParsePipeline("echo a || upper"); err == nil || !strings.Contains(err.Error(), "stage 1") {
		t.Fatalf("empty stage err = %v", err)
	}
}

type thinkerFunc func(ctx context.Context, prompt string) (string, error)

func (f thinkerFunc) Think(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

func testTools() *host.Toolbox {
	tb := host.NewToolbox()
	host.RegisterBuiltins(tb, nil, nil)
	tb.Register("fail", func(context.Context, map[string]string) (string, error) {
		return "", errors.New("tool broke")
	})
	return tb
}

func TestDSLExecutorChainsStages(t *testing.T) {
	var prompts []string
	th := thinkerFunc(func(_ context.Context, p string) (string, error) {
		prompts = append(prompts, p)
		return " thought about it ", nil
	})
	ex := DSLExecutor{Thinker: th, Tools: testTools()}
	g := goal.New("pipe: echo hello | think react to | upper", shared.PriorityNormal, goal.SourceUser)

	res, err := ex.Execute(context.Background(), g)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "THOUGHT ABOUT IT" || !res.Success || len(res.Steps) != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(prompts) != 1 || prompts[0] != "react to\n\nhello" {
		t.Fatalf("think prompt = %q", prompts)
	}
	if res.Metadata["route"] != "dsl" {
		t.Fatalf("metadata = %v", res.Metadata)
	}
}

func TestDSLExecutorStopsAtFailure(t *testing.T) {
	ex := DSLExecutor{Thinker: host.NotConfigured, Tools: testTools()}
	g := goal.New("echo a | fail | upper", shared.PriorityNormal, goal.SourceUser)
	res, err := ex.Execute(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), "stage 1 (fail): tool broke") {
		t.Fatalf("err = %v", err)
	}
	if res.Success || len(res.Steps) != 2 || res.Steps[1].Success {
		t.Fatalf("result = %+v", res)
	}

	// Unconfigured thinker surfaces as a failure, not a panic.
	_, err = ex.Execute(context.Background(), goal.New("pipe: think x", shared.PriorityNormal, goal.SourceUser))
	if !errors.Is(err, host.ErrNotConfigured) {
		t.Fatalf("think without thinker err = %v", err)
	}
}

func TestPlanExecutorLocal(t *testing.T) {
	var prompts []string
	th := thinkerFunc(func(_ context.Context, p string) (string, error) {
		prompts = append(prompts, p)
		if strings.HasPrefix(p, "Break the following goal") {
			return `{"steps":[{"description":"say hi","tool":"echo","args":{"args":"hi there"}},{"description":"react"}]}`, nil
		}
		return "reacted", nil
	})
	ex := PlanExecutor{Thinker: th, Tools: testTools()}
	res, err := ex.Execute(context.Background(), goal.New("greet", shared.PriorityNormal, goal.SourceUser))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "reacted" || len(res.Steps) != 2 || res.Steps[0].Output != "hi there" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(prompts[0], "Available tools: ") || !strings.Contains(prompts[0], "echo") {
		t.Fatalf("decompose prompt lacks tools: %q", prompts[0])
	}
	if !strings.Contains(prompts[1], "Result of the previous step:\nhi there") {
		t.Fatalf("step prompt = %q", prompts[1])
	}
}

func TestPlanExecutorStopsAtFirstFailure(t *testing.T) {
	calls := 0
	th := thinkerFunc(func(_ context.Context, p string) (string, error) {
		if strings.HasPrefix(p, "Break the following goal") {
			return "1. first\n2. second\n3. third", nil
		}
		calls++
		if calls == 2 {
			return "", errors.New("model overloaded")
		}
		return "ok", nil
	})
	res, err := PlanExecutor{Thinker: th, Tools: testTools()}.Execute(context.Background(), goal.New("three things", shared.PriorityNormal, goal.SourceUser))
	if err == nil || err.Error() != "step 1: model overloaded" {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 || len(res.Steps) != 2 {
		t.Fatalf("calls = %d, steps = %+v", calls, res.Steps)
	}
	if f, ok := res.FirstFailure(); !ok || f.Index != 1 {
		t.Fatalf("first failure = %+v", f)
	}
}
