// Package doctor runs offline-friendly diagnostics for an autonomy home.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-autonomy/internal/config"
	"github.com/basket/go-autonomy/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed. Warnings do not count.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks in a fixed order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range []check{checkConfig, checkThinker, checkEmbedder, checkDatabase, checkPermissions, checkNetwork} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults will be written on first start"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  fmt.Sprintf("fingerprint=%s agents=%d", cfg.Fingerprint(), len(cfg.Delegation.Agents)),
	}
}

// envVars names the variable that supplies each provider's key.
var envVars = map[string]string{
	"google":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

func checkThinker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Thinker", Status: StatusSkip, Message: "Config missing"}
	}
	provider, model, apiKey, _ := cfg.ResolveLLM()
	if provider == "none" {
		return CheckResult{Name: "Thinker", Status: StatusSkip, Message: "LLM disabled; ideation uses capability gaps"}
	}
	if apiKey != "" {
		return CheckResult{Name: "Thinker", Status: StatusPass, Message: fmt.Sprintf("%s/%s has credentials", provider, model)}
	}
	hint := fmt.Sprintf("Set providers.%s.api_key in config.yaml", provider)
	if env, ok := envVars[provider]; ok {
		hint = fmt.Sprintf("Set %s or providers.%s.api_key", env, provider)
	}
	return CheckResult{
		Name:    "Thinker",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s; ideation falls back to capability gaps", provider),
		Detail:  hint,
	}
}

func checkEmbedder(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Embedder", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.ProviderAPIKey("google") == "" {
		return CheckResult{Name: "Embedder", Status: StatusWarn, Message: "GEMINI_API_KEY not set; memory recall disabled"}
	}
	return CheckResult{Name: "Embedder", Status: StatusPass, Message: "Gemini embeddings available"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	runs, err := store.RecentRuns(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}
	msg := "Schema valid, no goal runs yet"
	if len(runs) > 0 {
		msg = fmt.Sprintf("Schema valid, last run %s", runs[0].StartedAt.Format(time.RFC3339))
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: msg, Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, filepath.Join(cfg.HomeDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(probe)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and log directories writable"}
}

var endpoints = map[string]string{
	"google":            "generativelanguage.googleapis.com",
	"anthropic":         "api.anthropic.com",
	"openai":            "api.openai.com",
	"openai_compatible": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider, _, _, baseURL := cfg.ResolveLLM()
	if provider == "none" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "LLM disabled"}
	}
	host, ok := endpoints[provider]
	if !ok {
		host = endpoints["google"]
	}
	if baseURL != "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Custom base_url configured; not probed", Detail: baseURL}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}
