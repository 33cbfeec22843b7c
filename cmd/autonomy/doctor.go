package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-autonomy/internal/config"
	"github.com/basket/go-autonomy/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out, errOut io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(errOut, "usage: autonomy doctor [-json]\n")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Diagnose anyway; the config check reports what it can.
		fmt.Fprintf(errOut, "Error loading config: %v\n", err)
	}
	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(errOut, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	r := lipgloss.NewRenderer(out)
	styles := map[string]lipgloss.Style{
		doctor.StatusPass: r.NewStyle().Foreground(lipgloss.Color("42")),
		doctor.StatusWarn: r.NewStyle().Foreground(lipgloss.Color("214")),
		doctor.StatusFail: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		doctor.StatusSkip: r.NewStyle().Foreground(lipgloss.Color("241")),
	}
	fmt.Fprintf(out, "Autonomy Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-12s: %s\n", styles[res.Status].Render(fmt.Sprintf("[%s]", res.Status)), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}
