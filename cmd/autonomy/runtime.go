package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/go-autonomy/internal/agent"
	"github.com/basket/go-autonomy/internal/audit"
	"github.com/basket/go-autonomy/internal/bus"
	"github.com/basket/go-autonomy/internal/capability"
	"github.com/basket/go-autonomy/internal/commands"
	"github.com/basket/go-autonomy/internal/config"
	"github.com/basket/go-autonomy/internal/coordinator"
	"github.com/basket/go-autonomy/internal/goal"
	"github.com/basket/go-autonomy/internal/host"
	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/llm"
	"github.com/basket/go-autonomy/internal/network"
	otelPkg "github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/persistence"
	"github.com/basket/go-autonomy/internal/selfexec"
	"github.com/basket/go-autonomy/internal/symbolic"
)

const (
	restorePendingLimit = 200

	retentionRunDays     = 90
	retentionAuditDays   = 180
	retentionMessageDays = 30
	retentionInterval    = 24 * time.Hour
)

const chatPersona = "You are the operator console of an autonomous agent runtime. " +
	"Answer briefly and concretely. Suggest a command when one fits."

// app holds every long-lived component of a running process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	events      *bus.Bus
	store       *persistence.Store
	auditLog    *audit.Log
	facts       *symbolic.Store
	tracker     *network.Tracker
	registry    *capability.Registry
	intentions  *intention.Bus
	loop        *selfexec.Loop
	coordinator *coordinator.Coordinator
	handler     *commands.Handler
	thinkerName string

	closers []func()
}

// buildRuntime wires the components described by cfg. Optional backends
// (SQLite, the JSONL audit log, the thinker and the embedder) degrade to
// in-memory or not-configured behaviour with a warning instead of failing.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, prov *otelPkg.Provider, out io.Writer) (*app, error) {
	if prov == nil {
		prov = otelPkg.Noop()
	}
	metrics, err := otelPkg.NewMetrics(prov.Meter)
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	rt := &app{
		cfg:         cfg,
		logger:      logger,
		events:      bus.New(),
		facts:       symbolic.NewStore(),
		thinkerName: "none",
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Warn("persistence unavailable; state will not survive restart", "path", cfg.DBPath, "error", err)
	} else {
		rt.store = store
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		runRetention(ctx, store, logger)
	}

	if cfg.Audit.JSONL {
		al, err := audit.Open(cfg.HomeDir)
		if err != nil {
			logger.Warn("audit log unavailable", "error", err)
		} else {
			rt.auditLog = al
			rt.closers = append(rt.closers, func() { _ = al.Close() })
		}
	}

	// Host services. Nil backends are left out so Filled() substitutes
	// the not-configured implementations.
	toolbox := host.NewToolbox()
	host.RegisterBuiltins(toolbox, rt.facts, nil)
	hostOpts := []host.Option{
		host.WithTools(toolbox),
		host.WithFacts(rt.facts),
		host.WithPresenter(host.NewConsolePresenter(out)),
	}
	if rt.store != nil {
		hostOpts = append(hostOpts, host.WithMemory(rt.store), host.WithMessages(rt.store))
	}
	if thinker, name := newThinker(ctx, cfg, prov, logger); thinker != nil {
		hostOpts = append(hostOpts, host.WithThinker(thinker))
		rt.thinkerName = name
	}
	if apiKey := cfg.ProviderAPIKey("google"); apiKey != "" {
		emb, err := llm.NewGenAIEmbedder(ctx, apiKey, "")
		if err != nil {
			logger.Warn("embedder unavailable; memory recall disabled", "error", err)
		} else {
			hostOpts = append(hostOpts, host.WithEmbedder(emb))
		}
	}
	base := host.NewSet(hostOpts...)
	chat := llm.Chat{Host: base, Persona: chatPersona, Logger: logger}
	hs := host.NewSet(append(hostOpts, host.WithChat(chat))...)

	trackerOpts := []network.Option{
		network.WithEventBus(rt.events),
		network.WithMetrics(metrics),
		network.WithLogger(logger),
		network.WithMirrorTimeout(time.Duration(cfg.Network.MirrorTimeoutMS) * time.Millisecond),
	}
	if cfg.Network.ExportFacts {
		trackerOpts = append(trackerOpts, network.WithExporter(rt.facts))
	}
	if cfg.Network.Mirror && rt.store != nil {
		trackerOpts = append(trackerOpts, network.WithMirror(rt.store))
	}
	rt.tracker = network.NewTracker(trackerOpts...)
	rt.closers = append(rt.closers, rt.tracker.Close)
	if rt.store != nil {
		n, err := rt.tracker.Load(ctx, rt.store)
		if err != nil {
			logger.Warn("branch reload failed", "error", err)
		} else if n > 0 {
			logger.Info("branches reloaded", "count", n)
		}
	}

	regOpts := []capability.Option{
		capability.WithAlpha(cfg.Capabilities.SmoothingAlpha),
		capability.WithGapCutoff(cfg.Capabilities.GapCutoff),
		capability.WithEventBus(rt.events),
		capability.WithLogger(logger),
	}
	if rt.store != nil {
		regOpts = append(regOpts, capability.WithStore(rt.store))
	}
	rt.registry = capability.NewRegistry(regOpts...)
	for _, c := range capability.DefaultCatalog() {
		rt.registry.Register(c)
	}
	if err := rt.registry.Load(ctx); err != nil {
		logger.Warn("capability stats reload failed", "error", err)
	}

	orch := agent.NewOrchestrator(
		agent.WithThreshold(cfg.Delegation.Threshold),
		agent.WithEventBus(rt.events),
		agent.WithMetrics(metrics),
		agent.WithLogger(logger),
	)
	filled := hs.Filled()
	for _, a := range cfg.Delegation.Agents {
		w := agent.ThinkWorker{Name: a.Name, Persona: a.Persona, Thinker: filled.Thinker, Tools: filled.Tools}
		if err := orch.RegisterAgent(agent.Info{Name: a.Name, Capabilities: a.Capabilities}, w); err != nil {
			rt.Close()
			return nil, fmt.Errorf("register agent %s: %w", a.Name, err)
		}
	}

	var recorders []intention.Recorder
	if rt.store != nil {
		recorders = append(recorders, rt.store)
	}
	if rt.auditLog != nil {
		recorders = append(recorders, rt.auditLog)
	}
	rt.intentions = intention.New(
		intention.WithRecorder(recorders...),
		intention.WithEventBus(rt.events),
		intention.WithMetrics(metrics),
		intention.WithLogger(logger),
	)
	if rt.store != nil {
		pending, err := rt.store.ListIntentions(ctx, intention.StatusPending, restorePendingLimit)
		if err != nil {
			logger.Warn("pending intentions not restored", "error", err)
		} else if n := rt.intentions.Restore(pending...); n > 0 {
			logger.Info("pending intentions restored", "count", n)
		}
	}

	loopDeps := selfexec.Deps{
		Queue:        goal.NewQueue(),
		Registry:     rt.registry,
		Tracker:      rt.tracker,
		Host:         hs,
		Orchestrator: orch,
		Events:       rt.events,
		Metrics:      metrics,
		Tracer:       prov.Tracer,
		Logger:       logger,
	}
	if rt.store != nil {
		loopDeps.Runs = rt.store
	}
	rt.loop = selfexec.NewLoop(loopDeps, selfexec.Config{
		IdleInterval:        cfg.SelfExec.IdleInterval(),
		SelfEvalProbability: cfg.SelfExec.SelfEvalProbability,
		MaxFollowUpDepth:    cfg.SelfExec.MaxFollowUpDepth,
	})

	rt.coordinator, err = coordinator.New(coordinator.Deps{
		Intentions: rt.intentions,
		Loop:       rt.loop,
		Registry:   rt.registry,
		Host:       hs,
		Events:     rt.events,
		Logger:     logger,
	}, coordinator.Config{
		TickSchedule:           cfg.Coordinator.TickSchedule,
		AutoApproveCategories:  cfg.Coordinator.AutoApproveCategories,
		AutoApproveMaxPriority: cfg.Coordinator.MaxPriority(),
		MaxPending:             cfg.Coordinator.MaxPending,
		IdeasPerTick:           cfg.Coordinator.IdeasPerTick,
		AutoStartLoop:          cfg.SelfExec.Autostart,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	// Stop runs first on Close so the loop stops touching the store.
	rt.closers = append(rt.closers, rt.coordinator.Stop)

	handlerDeps := commands.Deps{
		Coordinator: rt.coordinator,
		Intentions:  rt.intentions,
		Loop:        rt.loop,
		Tracker:     rt.tracker,
		Registry:    rt.registry,
		Host:        hs,
		Logger:      logger,
	}
	if rt.store != nil {
		handlerDeps.Runs = rt.store
	}
	if cfg.OTel.Enabled && prov != nil {
		handlerDeps.Metrics = prov
	}
	rt.handler = commands.NewHandler(ctx, handlerDeps)
	return rt, nil
}

// runRetention purges old rows at most once per retentionInterval so
// frequent restarts do not rescan the tables.
func runRetention(ctx context.Context, store *persistence.Store, logger *slog.Logger) {
	last, err := store.LastRetention(ctx)
	if err != nil {
		logger.Warn("read last retention time", "error", err)
	}
	if !last.IsZero() && time.Since(last) < retentionInterval {
		return
	}
	res, err := store.RunRetention(ctx, retentionRunDays, retentionAuditDays, retentionMessageDays)
	if err != nil {
		logger.Warn("retention failed", "error", err)
		return
	}
	if res.PurgedRuns+res.PurgedAudit+res.PurgedMessages > 0 {
		logger.Info("retention purged rows",
			"runs", res.PurgedRuns, "audit", res.PurgedAudit, "messages", res.PurgedMessages)
	}
}

// newThinker builds the genkit thinker for the configured provider. A
// missing key is reported once and leaves the thinker unset.
func newThinker(ctx context.Context, cfg config.Config, prov *otelPkg.Provider, logger *slog.Logger) (host.Thinker, string) {
	provider, model, apiKey, baseURL := cfg.ResolveLLM()
	if provider == "none" {
		return nil, ""
	}
	t, err := llm.NewGenkitThinker(ctx, llm.Config{
		Provider:           provider,
		Model:              model,
		APIKey:             apiKey,
		BaseURL:            baseURL,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
		Tracer:             prov.Tracer,
		Logger:             logger,
	})
	if err != nil {
		if errors.Is(err, llm.ErrNoCredentials) {
			logger.Warn("no LLM credentials; ideation falls back to capability gaps", "provider", provider)
		} else {
			logger.Warn("thinker unavailable", "provider", provider, "error", err)
		}
		return nil, ""
	}
	return t, provider + "/" + model
}

// watchConfig applies auto-approval policy changes from config.yaml until
// ctx is cancelled. Other sections need a restart.
func (rt *app) watchConfig(ctx context.Context) {
	w := config.NewWatcher(rt.cfg, rt.logger)
	if err := w.Start(ctx); err != nil {
		rt.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for next := range w.Updates() {
			rt.applyConfig(next)
		}
	}()
}

// applyConfig hot-applies the parts of next that can change while running.
func (rt *app) applyConfig(next config.Config) {
	rt.coordinator.SetAutoApprove(next.Coordinator.AutoApproveCategories, next.Coordinator.MaxPriority())
	if next.Fingerprint() != rt.cfg.Fingerprint() && restartOnly(rt.cfg, next) {
		rt.logger.Warn("config changes outside coordinator auto-approval take effect after restart")
	}
	rt.cfg = next
}

func restartOnly(prev, next config.Config) bool {
	prev.Coordinator.AutoApproveCategories = next.Coordinator.AutoApproveCategories
	prev.Coordinator.AutoApproveMaxPriority = next.Coordinator.AutoApproveMaxPriority
	return prev.Fingerprint() != next.Fingerprint()
}

// Close releases components in reverse order of construction.
func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
