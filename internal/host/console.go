package host

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// ConsolePresenter writes persona-labelled messages to a terminal.
type ConsolePresenter struct {
	mu      sync.Mutex
	w       io.Writer
	label   lipgloss.Style
	body    lipgloss.Style
	persona map[string]lipgloss.Style
}

func NewConsolePresenter(w io.Writer) *ConsolePresenter {
	r := lipgloss.NewRenderer(w)
	return &ConsolePresenter{
		w:     w,
		label: r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		body:  r.NewStyle().Foreground(lipgloss.Color("252")),
		persona: map[string]lipgloss.Style{
			"coordinator": r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
			"selfexec":    r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		},
	}
}

func (p *ConsolePresenter) DisplayAndSpeak(_ context.Context, msg, persona string) {
	msg = strings.TrimRight(msg, "\n")
	if msg == "" {
		return
	}
	if persona == "" {
		persona = "system"
	}
	style, ok := p.persona[persona]
	if !ok {
		style = p.label
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", style.Render("["+persona+"]"), p.body.Render(msg))
}
