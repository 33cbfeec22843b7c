package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type handleFunc func(ctx context.Context, line string) string

// runREPL reads commands from in until EOF, "exit" or cancellation. Reading
// happens on its own goroutine so a blocked read never delays shutdown.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, handle handleFunc) error {
	r := lipgloss.NewRenderer(out)
	prompt := r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Render("autonomy>") + " "
	banner := r.NewStyle().Foreground(lipgloss.Color("241")).Render("Type /help for commands, exit to quit.")
	fmt.Fprintln(out, banner)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(out, prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "exit", "quit", "/exit", "/quit":
				return nil
			}
			if reply := handle(ctx, line); reply != "" {
				fmt.Fprintln(out, reply)
			}
		}
	}
}
