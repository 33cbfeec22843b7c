package capability

import "strings"

// DefaultCatalog is the built-in set of capabilities registered at startup.
func DefaultCatalog() []Capability {
	return []Capability{
		{Name: "planning", Description: "Break goals into ordered steps", Dependencies: []string{"reasoning"}},
		{Name: "tool_use", Description: "Call external tools and search", Dependencies: []string{"planning"}},
		{Name: "coding", Description: "Write and change program code", Dependencies: []string{"reasoning", "tool_use"}},
		{Name: "research", Description: "Investigate topics and gather sources", Dependencies: []string{"tool_use"}},
		{Name: "memory", Description: "Remember and recall past outcomes"},
		{Name: "reasoning", Description: "General problem solving"},
		{Name: "learning", Description: "Extract lessons from completed goals", Dependencies: []string{"memory"}},
		{Name: "reflection", Description: "Analyse failures and their causes", Dependencies: []string{"reasoning"}},
	}
}

var inferRules = []struct {
	capability string
	keywords   []string
}{
	{"planning", []string{"plan", "step"}},
	{"tool_use", []string{"tool", "search"}},
	{"coding", []string{"code", "program", "function"}},
	{"research", []string{"research", "investigate"}},
	{"memory", []string{"remember", "memory", "recall"}},
	{"learning", []string{"learn"}},
	{"reflection", []string{"reflect", "analy"}},
}

// Infer maps free text to the capabilities it exercises, in catalogue order.
// Text matching no keyword exercises reasoning.
func Infer(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, rule := range inferRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, rule.capability)
				break
			}
		}
	}
	if len(out) == 0 {
		out = []string{"reasoning"}
	}
	return out
}
