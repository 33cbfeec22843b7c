// Package commands turns operator input lines into actions on the
// coordinator, intention bus and self-execution loop.
package commands

import "strings"

type Kind int

const (
	KindUnknown Kind = iota
	KindEmpty
	KindHelp
	KindGoalAdd
	KindGoalList
	KindGoalClear
	KindSelfexecStart
	KindSelfexecStop
	KindSelfexecStatus
	KindApprove
	KindReject
	KindPending
	KindPause
	KindResume
	KindTick
	KindFacts
	KindBranches
	KindCapabilities
	KindMetrics
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindEmpty:          "empty",
	KindHelp:           "help",
	KindGoalAdd:        "goal add",
	KindGoalList:       "goal list",
	KindGoalClear:      "goal clear",
	KindSelfexecStart:  "selfexec start",
	KindSelfexecStop:   "selfexec stop",
	KindSelfexecStatus: "selfexec status",
	KindApprove:        "approve",
	KindReject:         "reject",
	KindPending:        "pending",
	KindPause:          "pause",
	KindResume:         "resume",
	KindTick:           "tick",
	KindFacts:          "facts",
	KindBranches:       "branches",
	KindCapabilities:   "capabilities",
	KindMetrics:        "metrics",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Command is a parsed input line. Arg is the goal description, intention id
// prefix or fact query; Note is the free text after an approve/reject target.
// Raw keeps the trimmed line for chat fallback.
type Command struct {
	Kind Kind
	Arg  string
	Note string
	Raw  string
}

// Parse never fails. Input that matches no command is KindUnknown.
func Parse(line string) Command {
	raw := strings.TrimSpace(line)
	cmd := Command{Raw: raw}
	if raw == "" {
		cmd.Kind = KindEmpty
		return cmd
	}

	head, rest := splitWord(raw)
	switch strings.ToLower(head) {
	case "goal":
		sub, arg := splitWord(rest)
		switch strings.ToLower(sub) {
		case "add":
			cmd.Kind, cmd.Arg = KindGoalAdd, arg
		case "list", "ls":
			cmd.Kind = KindGoalList
		case "clear":
			cmd.Kind = KindGoalClear
		}
	case "selfexec":
		sub, _ := splitWord(rest)
		switch strings.ToLower(sub) {
		case "start":
			cmd.Kind = KindSelfexecStart
		case "stop":
			cmd.Kind = KindSelfexecStop
		case "status", "":
			cmd.Kind = KindSelfexecStatus
		}
	case "/approve":
		cmd.Kind = KindApprove
		cmd.Arg, cmd.Note = splitWord(rest)
	case "/reject":
		cmd.Kind = KindReject
		cmd.Arg, cmd.Note = splitWord(rest)
	case "/pending":
		cmd.Kind = KindPending
	case "/pause":
		cmd.Kind = KindPause
	case "/resume":
		cmd.Kind = KindResume
	case "/tick":
		cmd.Kind = KindTick
	case "/facts":
		cmd.Kind, cmd.Arg = KindFacts, rest
	case "/branches":
		cmd.Kind = KindBranches
	case "/capabilities", "/caps":
		cmd.Kind = KindCapabilities
	case "/metrics":
		cmd.Kind = KindMetrics
	case "/help", "help":
		cmd.Kind = KindHelp
	}
	return cmd
}

// splitWord returns the first whitespace-separated word and the trimmed rest.
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, isSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }
