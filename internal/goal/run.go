package goal

import "time"

// Run is the recorded outcome of executing one goal.
type Run struct {
	GoalID      string
	Description string
	Source      Source
	Generation  int
	Route       string
	Success     bool
	Result      string
	Duration    time.Duration
	Branch      string
	BranchHash  string
	StartedAt   time.Time
}
