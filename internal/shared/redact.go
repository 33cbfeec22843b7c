package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretRule matches one kind of secret. repl keeps any non-secret prefix
// the pattern captured, such as "api_key=" or "Bearer ".
type secretRule struct {
	kind string
	re   *regexp.Regexp
	repl string
}

// secretRules cover what tends to leak into goal results, model replies,
// intention notes and log lines.
var secretRules = []secretRule{
	{
		kind: "api key",
		re:   regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token)(\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`),
		repl: "${1}${2}" + redactedPlaceholder,
	},
	{
		kind: "bearer token",
		re:   regexp.MustCompile(`(?i)\b(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
		repl: "${1}" + redactedPlaceholder,
	},
	{kind: "google api key", re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), repl: redactedPlaceholder},
	// Anthropic and OpenAI style keys.
	{kind: "provider api key", re: regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), repl: redactedPlaceholder},
	{
		kind: "private key",
		re:   regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END[A-Z ]*PRIVATE KEY-----|$)`),
		repl: redactedPlaceholder,
	},
	{
		kind: "password",
		re:   regexp.MustCompile(`(?i)\b(password|passwd|pwd)(\s*[:=]\s*"?)[^\s"]{8,}`),
		repl: "${1}${2}" + redactedPlaceholder,
	},
}

// Redact replaces secret-looking fragments of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, r := range secretRules {
		input = r.re.ReplaceAllString(input, r.repl)
	}
	return input
}

// SecretKinds names each kind of secret found in input once, in rule order.
// The matches themselves are never returned.
func SecretKinds(input string) []string {
	if input == "" {
		return nil
	}
	var kinds []string
	for _, r := range secretRules {
		if r.re.MatchString(input) {
			kinds = append(kinds, r.kind)
		}
	}
	return kinds
}
