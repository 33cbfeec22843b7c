package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-autonomy/internal/otel"
	"github.com/basket/go-autonomy/internal/shared"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the model used for thinking.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible" or "none".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// CompatibleProvider is the model prefix for OpenAI-compatible endpoints.
	CompatibleProvider string `yaml:"compatible_provider"`
}

type SelfExecConfig struct {
	IdleIntervalMS      int     `yaml:"idle_interval_ms"`
	SelfEvalProbability float64 `yaml:"self_eval_probability"`
	MaxFollowUpDepth    int     `yaml:"max_follow_up_depth"`
	Autostart           bool    `yaml:"autostart"`
}

// IdleInterval is how long the loop sleeps when the queue is empty.
func (c SelfExecConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMS) * time.Millisecond
}

type CoordinatorConfig struct {
	TickSchedule           string   `yaml:"tick_schedule"`
	AutoApproveCategories  []string `yaml:"auto_approve_categories"`
	AutoApproveMaxPriority string   `yaml:"auto_approve_max_priority"`
	MaxPending             int      `yaml:"max_pending"`
	IdeasPerTick           int      `yaml:"ideas_per_tick"`
}

// MaxPriority returns the highest priority eligible for auto-approval.
func (c CoordinatorConfig) MaxPriority() shared.Priority {
	p, _ := shared.ParsePriority(c.AutoApproveMaxPriority)
	return p
}

type CapabilitiesConfig struct {
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	GapCutoff      float64 `yaml:"gap_cutoff"`
}

// AgentEntry declares a sub-agent created at startup.
type AgentEntry struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
	Persona      string   `yaml:"persona"`
}

type DelegationConfig struct {
	Threshold int          `yaml:"threshold"`
	Agents    []AgentEntry `yaml:"agents"`
}

type NetworkConfig struct {
	Mirror          bool `yaml:"mirror"`
	ExportFacts     bool `yaml:"export_facts"`
	MirrorTimeoutMS int  `yaml:"mirror_timeout_ms"`
}

type AuditConfig struct {
	// JSONL enables the append-only decision log under <home>/logs/audit.jsonl.
	JSONL bool `yaml:"jsonl"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	SelfExec     SelfExecConfig     `yaml:"self_exec"`
	Coordinator  CoordinatorConfig  `yaml:"coordinator"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Network      NetworkConfig      `yaml:"network"`
	Audit        AuditConfig        `yaml:"audit"`
	OTel         otel.Config        `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ResolveLLM returns the effective provider, model, key and endpoint.
func (c Config) ResolveLLM() (provider, model, apiKey, baseURL string) {
	provider = c.LLM.Provider
	model = c.LLM.Model
	if model == "" {
		model = defaultModel(provider)
	}
	apiKey = c.ProviderAPIKey(provider)
	if p, ok := c.Providers[provider]; ok {
		baseURL = p.BaseURL
	}
	return provider, model, apiKey, baseURL
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|llm=%s/%s|idle=%d|eval=%g|depth=%d|tick=%s|auto=%v<=%s|pending=%d|ideas=%d|alpha=%g|cutoff=%g|threshold=%d|agents=%d|mirror=%t|facts=%t",
		c.LogLevel, c.DBPath, c.LLM.Provider, c.LLM.Model,
		c.SelfExec.IdleIntervalMS, c.SelfExec.SelfEvalProbability, c.SelfExec.MaxFollowUpDepth,
		c.Coordinator.TickSchedule, c.Coordinator.AutoApproveCategories, c.Coordinator.AutoApproveMaxPriority,
		c.Coordinator.MaxPending, c.Coordinator.IdeasPerTick,
		c.Capabilities.SmoothingAlpha, c.Capabilities.GapCutoff,
		c.Delegation.Threshold, len(c.Delegation.Agents),
		c.Network.Mirror, c.Network.ExportFacts)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM:      LLMConfig{Provider: "google"},
		SelfExec: SelfExecConfig{
			IdleIntervalMS:      2000,
			SelfEvalProbability: 0.05,
			MaxFollowUpDepth:    1,
		},
		Coordinator: CoordinatorConfig{
			TickSchedule:           "@every 10m",
			AutoApproveMaxPriority: "normal",
			MaxPending:             20,
			IdeasPerTick:           3,
		},
		Capabilities: CapabilitiesConfig{
			SmoothingAlpha: 0.1,
			GapCutoff:      0.6,
		},
		Delegation: DelegationConfig{Threshold: 3},
		Network: NetworkConfig{
			Mirror:          true,
			ExportFacts:     true,
			MirrorTimeoutMS: 2000,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AUTONOMY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autonomy")
}

// Load reads <home>/config.yaml over the defaults, then applies env
// overrides and normalisation. A missing file is not an error; NeedsGenesis
// is set instead.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create autonomy home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateAgents(cfg.Delegation.Agents); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes cfg (typically the defaults plus starter agents) to
// config.yaml. Credentials are never written.
func WriteDefault(cfg Config) error {
	out := cfg
	out.Providers = nil
	if len(out.Delegation.Agents) == 0 {
		out.Delegation.Agents = StarterAgents()
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), data, 0o644)
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "autonomy.db")
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "google"
	case "gemini":
		cfg.LLM.Provider = "google"
	}

	if cfg.SelfExec.IdleIntervalMS <= 0 {
		cfg.SelfExec.IdleIntervalMS = 2000
	}
	if cfg.SelfExec.SelfEvalProbability < 0 {
		cfg.SelfExec.SelfEvalProbability = 0
	}
	if cfg.SelfExec.SelfEvalProbability > 1 {
		cfg.SelfExec.SelfEvalProbability = 1
	}
	if cfg.SelfExec.MaxFollowUpDepth < 0 {
		cfg.SelfExec.MaxFollowUpDepth = 0
	}

	if strings.TrimSpace(cfg.Coordinator.TickSchedule) == "" {
		cfg.Coordinator.TickSchedule = "@every 10m"
	}
	if _, ok := shared.ParsePriority(cfg.Coordinator.AutoApproveMaxPriority); !ok {
		cfg.Coordinator.AutoApproveMaxPriority = "normal"
	}
	cats := cfg.Coordinator.AutoApproveCategories[:0]
	for _, c := range cfg.Coordinator.AutoApproveCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			cats = append(cats, c)
		}
	}
	cfg.Coordinator.AutoApproveCategories = cats
	if cfg.Coordinator.MaxPending <= 0 {
		cfg.Coordinator.MaxPending = 20
	}
	if cfg.Coordinator.IdeasPerTick <= 0 {
		cfg.Coordinator.IdeasPerTick = 3
	}

	if cfg.Capabilities.SmoothingAlpha <= 0 || cfg.Capabilities.SmoothingAlpha > 1 {
		cfg.Capabilities.SmoothingAlpha = 0.1
	}
	if cfg.Capabilities.GapCutoff <= 0 || cfg.Capabilities.GapCutoff > 1 {
		cfg.Capabilities.GapCutoff = 0.6
	}
	if cfg.Delegation.Threshold <= 0 {
		cfg.Delegation.Threshold = 3
	}
	if cfg.Network.MirrorTimeoutMS <= 0 {
		cfg.Network.MirrorTimeoutMS = 2000
	}
}

// validateAgents rejects sub-agent declarations the orchestrator would refuse.
func validateAgents(agents []AgentEntry) error {
	seen := make(map[string]bool, len(agents))
	for i, a := range agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("delegation.agents[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("delegation.agents[%d]: duplicate agent name %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUTONOMY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AUTONOMY_TICK_SCHEDULE"); raw != "" {
		cfg.Coordinator.TickSchedule = raw
	}
	if raw := os.Getenv("AUTONOMY_IDLE_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SelfExec.IdleIntervalMS = v
		}
	}
	if raw := os.Getenv("AUTONOMY_AUTO_APPROVE"); raw != "" {
		cfg.Coordinator.AutoApproveCategories = strings.Split(raw, ",")
	}
	if raw := os.Getenv("AUTONOMY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AUTONOMY_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
}
