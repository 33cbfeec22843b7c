package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-autonomy/internal/host"
)

const (
	chatRecallLimit = 3
	chatCategory    = "chat"
	// recallTokenBudget caps the estimated size of the recalled_memory block.
	recallTokenBudget = 600
)

// Chat is a host.ChatProcessor that answers free text with the thinker,
// injecting recalled memories when an embedder and memory are configured.
type Chat struct {
	Host    host.Set
	Persona string
	Logger  *slog.Logger
}

func (c Chat) ProcessChat(ctx context.Context, msg string) (string, error) {
	hs := c.Host.Filled()
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", nil
	}

	var vec []float32
	if hs.Has(host.KindEmbedder) {
		v, err := hs.Embedder.Embed(ctx, msg)
		if err != nil {
			logger.Warn("chat embed failed", "error", err)
		} else {
			vec = v
		}
	}
	var recalled []string
	if len(vec) > 0 {
		hits, err := hs.Memory.SearchMemory(ctx, vec, chatRecallLimit)
		if err != nil {
			logger.Debug("chat recall failed", "error", err)
		}
		recalled = fitBudget(hits, recallTokenBudget)
	}

	reply, err := hs.Thinker.Think(ctx, chatPrompt(c.Persona, recalled, msg))
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if len(vec) > 0 {
		if err := hs.Memory.StoreMemory(ctx, chatCategory, "Q: "+msg+"\nA: "+reply, vec); err != nil {
			logger.Debug("chat memory store failed", "error", err)
		}
	}
	return reply, nil
}

func chatPrompt(persona string, recalled []string, msg string) string {
	var b strings.Builder
	if persona = strings.TrimSpace(persona); persona != "" {
		b.WriteString(persona)
		b.WriteString("\n\n")
	}
	if len(recalled) > 0 {
		b.WriteString("<recalled_memory>\n")
		for _, r := range recalled {
			b.WriteString(strings.TrimSpace(r))
			b.WriteString("\n")
		}
		b.WriteString("</recalled_memory>\n\n")
	}
	b.WriteString("Operator: ")
	b.WriteString(msg)
	return b.String()
}

// estimateTokens is a word-based estimate (about 1.33 tokens per English
// word) floored by len/4 so code and dense text are not undercounted.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return max(int(float64(len(strings.Fields(s)))*1.33), len(s)/4)
}

// fitBudget keeps hits in rank order until the next one would exceed budget.
func fitBudget(hits []string, budget int) []string {
	used := 0
	for i, h := range hits {
		used += estimateTokens(h)
		if used > budget {
			return hits[:i]
		}
	}
	return hits
}
