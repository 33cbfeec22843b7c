// Package safety screens model-generated text before the runtime acts on it.
package safety

import (
	"regexp"
	"strings"
)

// Verdict is the recommended handling of screened text.
type Verdict int

const (
	Allow Verdict = iota
	// Warn lets the text through but should be logged.
	Warn
	// Block means the text must not become an intention or goal.
	Block
)

func (v Verdict) String() string {
	switch v {
	case Warn:
		return "warn"
	case Block:
		return "block"
	default:
		return "allow"
	}
}

type Finding struct {
	Verdict Verdict
	Reason  string
}

func (f Finding) Blocked() bool { return f.Verdict == Block }

type rule struct {
	re      *regexp.Regexp
	verdict Verdict
	reason  string
}

// ideaRules target ideas that try to steer the runtime itself rather than
// describe work: instruction overrides, approval bypass and credential access.
var ideaRules = []rule{
	{
		re:      regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		verdict: Block,
		reason:  "instruction override",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(the\s+)?(system\s+)?prompt)\b`),
		verdict: Block,
		reason:  "instruction override",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(disable|bypass|skip|turn\s+off)\s+(the\s+)?(operator\s+)?(approvals?|review|safety|audit(ing)?)\b`),
		verdict: Block,
		reason:  "approval bypass",
	},
	{
		re:      regexp.MustCompile(`(?i)\bauto[-\s]?approve\s+(all|everything|every)\b`),
		verdict: Block,
		reason:  "approval bypass",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(exfiltrate|leak|upload|send)\s+(the\s+)?(api\s+keys?|credentials|secrets|tokens?|passwords?)\b`),
		verdict: Block,
		reason:  "credential exfiltration",
	},
	{
		re:      regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>|\[\s*SYSTEM\s*\]`),
		verdict: Warn,
		reason:  "chat template marker",
	},
}

// ScreenIdea checks a proposed title or rationale. The first matching rule
// wins; empty text is allowed.
func ScreenIdea(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{}
	}
	for _, r := range ideaRules {
		if r.re.MatchString(text) {
			return Finding{Verdict: r.verdict, Reason: r.reason}
		}
	}
	return Finding{}
}
