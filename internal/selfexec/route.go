// Package selfexec runs queued goals in the background and records what
// happened to each of them.
package selfexec

import (
	"strings"

	"github.com/basket/go-autonomy/internal/goal"
)

// DSLPrefix marks a goal written as a pipeline.
const DSLPrefix = "pipe:"

type Route int

const (
	RoutePlan Route = iota
	RouteDSL
)

func (r Route) String() string {
	if r == RouteDSL {
		return "dsl"
	}
	return "plan"
}

// Classify picks the executor for a goal description. Pipelines start with
// "pipe:" or contain a "|" stage separator; everything else is planned.
func Classify(description string) Route {
	d := strings.TrimSpace(description)
	if hasDSLPrefix(d) || strings.Contains(d, "|") {
		return RouteDSL
	}
	return RoutePlan
}

func hasDSLPrefix(s string) bool {
	return len(s) >= len(DSLPrefix) && strings.EqualFold(s[:len(DSLPrefix)], DSLPrefix)
}

// RouteFor is Classify for a queued goal. Follow-ups quote their parent's
// description, which may itself be a pipeline, so they are always planned.
func RouteFor(g goal.Goal) Route {
	if g.Source == goal.SourceFollowUp {
		return RoutePlan
	}
	return Classify(g.Description)
}
