package shared

import "strings"

// Priority orders intentions and goals for display. The goal queue never
// reorders by priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a case-insensitive name to a Priority. Unrecognised
// input yields PriorityNormal and ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "normal", "medium":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical", "urgent":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}
