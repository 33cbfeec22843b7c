// Package goal defines autonomous goals and the FIFO queue the
// self-execution loop drains.
package goal

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-autonomy/internal/shared"
)

type Source string

const (
	SourceIdeation Source = "ideation"
	SourceUser     Source = "user"
	SourceFollowUp Source = "follow_up"
	SourceSelfEval Source = "self_eval"
)

// Goal is a unit of self-directed work. It is consumed when dequeued.
type Goal struct {
	ID          string
	Description string
	Priority    shared.Priority
	CreatedAt   time.Time
	Source      Source
	// ParentID is the intention or goal that spawned this one.
	ParentID   string
	Generation int
}

// New builds a root goal with a fresh ID.
func New(description string, priority shared.Priority, source Source) Goal {
	return Goal{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(description),
		Priority:    priority,
		CreatedAt:   time.Now(),
		Source:      source,
	}
}

// FollowUp derives a child goal one generation below g.
func (g Goal) FollowUp(description string) Goal {
	child := New(description, shared.PriorityLow, SourceFollowUp)
	child.ParentID = g.ID
	child.Generation = g.Generation + 1
	return child
}

// ShortID is the first eight characters of the ID, for display.
func (g Goal) ShortID() string {
	if len(g.ID) <= 8 {
		return g.ID
	}
	return g.ID[:8]
}
