package bus

import "time"

// Intention lifecycle topics.
const (
	TopicIntentionProposed = "intention.proposed"
	TopicIntentionApproved = "intention.approved"
	TopicIntentionRejected = "intention.rejected"
)

// Goal lifecycle topics.
const (
	TopicGoalEnqueued  = "goal.enqueued"
	TopicGoalStarted   = "goal.started"
	TopicGoalCompleted = "goal.completed"
	TopicGoalFailed    = "goal.failed"
)

// State graph and self-assessment topics.
const (
	TopicBranchReified     = "branch.reified"
	TopicCapabilityUpdated = "capability.updated"
	TopicCapabilityGaps    = "capability.gaps"
	TopicDelegationStep    = "delegation.step"
	TopicCoordinatorTick   = "coordinator.tick"
	TopicLoopStateChanged  = "selfexec.state"
)

// IntentionEvent is published when an intention is proposed or resolved.
type IntentionEvent struct {
	IntentionID string
	Title       string
	Category    string
	Priority    string
	Status      string
	Note        string
}

// GoalEvent is published for goal lifecycle transitions.
type GoalEvent struct {
	GoalID      string
	Description string
	Source      string
	Success     bool
	Result      string
	Duration    time.Duration
}

// BranchReified is emitted after a branch is tracked or updated.
type BranchReified struct {
	Name      string
	NodeCount int
	Hash      string
}

// CapabilityEvent is published after a capability's statistics change.
type CapabilityEvent struct {
	Name        string
	SuccessRate float64
	UsageCount  int
}

// CapabilityGaps is published by the idle self-evaluation pass.
type CapabilityGaps struct {
	Names []string
}

// DelegationStepEvent is published when a sub-agent finishes a step.
type DelegationStepEvent struct {
	PlanGoalID string
	StepIndex  int
	Agent      string
	Success    bool
}

// LoopStateEvent is published when the self-execution loop changes state.
type LoopStateEvent struct {
	From string
	To   string
}

// CoordinatorTick summarises one ideation tick.
type CoordinatorTick struct {
	Proposed     int
	AutoApproved int
	Fallback     bool
}
