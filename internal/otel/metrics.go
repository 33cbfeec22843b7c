package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's instruments. Record methods on a nil *Metrics
// do nothing.
type Metrics struct {
	GoalDuration       metric.Float64Histogram
	GoalOutcomes       metric.Int64Counter
	IntentionDecisions metric.Int64Counter
	BranchesReified    metric.Int64Counter
	DelegatedSteps     metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GoalDuration, err = meter.Float64Histogram("autonomy.goal.duration",
		metric.WithDescription("Goal execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GoalOutcomes, err = meter.Int64Counter("autonomy.goal.outcomes",
		metric.WithDescription("Goals executed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.IntentionDecisions, err = meter.Int64Counter("autonomy.intention.decisions",
		metric.WithDescription("Intentions approved or rejected"),
	)
	if err != nil {
		return nil, err
	}

	m.BranchesReified, err = meter.Int64Counter("autonomy.branch.reified",
		metric.WithDescription("Branches registered with the network state tracker"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegatedSteps, err = meter.Int64Counter("autonomy.delegation.steps",
		metric.WithDescription("Plan steps executed by sub-agents"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordGoal records one goal execution.
func (m *Metrics) RecordGoal(ctx context.Context, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.GoalDuration.Record(ctx, d.Seconds())
	m.GoalOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDecision records an approve or reject decision.
func (m *Metrics) RecordDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.IntentionDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordBranch counts one tracked branch snapshot.
func (m *Metrics) RecordBranch(ctx context.Context) {
	if m == nil {
		return
	}
	m.BranchesReified.Add(ctx, 1)
}

// RecordDelegatedSteps counts steps handed to sub-agents.
func (m *Metrics) RecordDelegatedSteps(ctx context.Context, n int, agent string) {
	if m == nil || n <= 0 {
		return
	}
	m.DelegatedSteps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("agent", agent)))
}
