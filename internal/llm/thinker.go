// Package llm adapts hosted language models to the host.Thinker and
// host.Embedder contracts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-autonomy/internal/otel"
)

// ErrNoCredentials is returned when the selected provider has no API key.
var ErrNoCredentials = errors.New("llm: no API key for provider")

// Config selects a provider and model.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// CompatibleProvider names the model prefix for openai_compatible endpoints.
	CompatibleProvider string
	// System is sent as the system prompt on every call.
	System string
	Tracer trace.Tracer
	Logger *slog.Logger
}

// GenkitThinker is a host.Thinker backed by a genkit model.
type GenkitThinker struct {
	g      *genkit.Genkit
	model  string
	system string
	tracer trace.Tracer
	logger *slog.Logger
}

// NewGenkitThinker initialises genkit with the plugin for cfg.Provider.
func NewGenkitThinker(ctx context.Context, cfg Config) (*GenkitThinker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w %q", ErrNoCredentials, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}

	model := ModelName(provider, cfg.CompatibleProvider, cfg.Model)
	logger.Info("genkit thinker initialized", "provider", provider, "model", model)
	return &GenkitThinker{
		g:      g,
		model:  model,
		system: strings.ReplaceAll(strings.TrimSpace(cfg.System), "%", "%%"),
		tracer: cfg.Tracer,
		logger: logger,
	}, nil
}

// ModelName returns the genkit-qualified model name.
func ModelName(provider, compatibleProvider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return "anthropic/" + model
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		return "openai/" + model
	case "openai_compatible":
		if compatibleProvider != "" && !strings.Contains(model, "/") {
			return compatibleProvider + "/" + model
		}
		return model
	default:
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return "googleai/" + model
	}
}

// Model returns the qualified model name in use.
func (t *GenkitThinker) Model() string { return t.model }

// Think sends a single-turn prompt and returns the model's text reply.
func (t *GenkitThinker) Think(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("llm: empty prompt")
	}
	ctx, span := otel.StartClientSpan(ctx, t.tracer, "llm.think")
	defer span.End()

	opts := []ai.GenerateOption{
		ai.WithModelName(t.model),
		ai.WithPrompt(prompt),
	}
	if t.system != "" {
		opts = append(opts, ai.WithSystem(t.system))
	}
	resp, err := genkit.Generate(ctx, t.g, opts...)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}
