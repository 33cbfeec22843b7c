package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-autonomy/internal/config"
	otelPkg "github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the command REPL

DAEMON MODE:
  %s -daemon                  Run the coordinator without a REPL (logs to stdout)

SUBCOMMANDS:
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AUTONOMY_HOME           Data directory (default: ~/.autonomy)
  AUTONOMY_NO_REPL        Set to 1 to disable the REPL (same as -daemon)
  AUTONOMY_LOG_LEVEL      debug, info, warn or error
  GEMINI_API_KEY          Google provider and memory embeddings
  ANTHROPIC_API_KEY       Anthropic provider
  OPENAI_API_KEY          OpenAI provider

EXAMPLES:
  Interactive:            %s
  Daemon mode:            %s -daemon
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AUTONOMY_NO_REPL") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no REPL, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout, os.Stderr))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg); err != nil {
			fatalStartup(nil, "E_CONFIG_GENESIS", err)
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_LOAD", err)
		}
	}

	// Quiet logs (file-only) in interactive mode so the REPL stays clean.
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("otel init failed; continuing without telemetry", "error", err)
		otelProvider = otelPkg.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown error", "error", err)
		}
	}()

	rt, err := buildRuntime(ctx, cfg, logger, otelProvider, os.Stdout)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer rt.Close()

	if err := rt.coordinator.Start(ctx); err != nil {
		fatalStartup(logger, "E_COORDINATOR_START", err)
	}
	rt.watchConfig(ctx)

	logger.Info("autonomy runtime ready",
		"version", Version,
		"home", cfg.HomeDir,
		"interactive", interactive,
		"thinker", rt.thinkerName,
		"agents", len(cfg.Delegation.Agents),
	)

	if interactive {
		if err := runREPL(ctx, os.Stdin, os.Stdout, rt.handler.Handle); err != nil {
			logger.Error("repl failed", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}
	logger.Info("shutting down")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"autonomy","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
