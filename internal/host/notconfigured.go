package host

import (
	"context"
	"fmt"
)

// NotConfigured satisfies every contract. Calls that produce a value fail
// with ErrNotConfigured; MessageLog and Presenter calls are silently dropped.
var NotConfigured unconfigured

type unconfigured struct{}

func (unconfigured) Think(context.Context, string) (string, error) {
	return "", fmt.Errorf("thinker: %w", ErrNotConfigured)
}

func (unconfigured) ExecuteTool(_ context.Context, name string, _ map[string]string) (string, error) {
	return "", fmt.Errorf("tool %q: %w", name, ErrNotConfigured)
}

func (unconfigured) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedder: %w", ErrNotConfigured)
}

func (unconfigured) StoreMemory(context.Context, string, string, []float32) error {
	return fmt.Errorf("memory: %w", ErrNotConfigured)
}

func (unconfigured) SearchMemory(context.Context, []float32, int) ([]string, error) {
	return nil, fmt.Errorf("memory: %w", ErrNotConfigured)
}

func (unconfigured) StoreMessage(context.Context, Message) error { return nil }

func (unconfigured) QueryFacts(context.Context, string) (string, error) {
	return "", fmt.Errorf("facts: %w", ErrNotConfigured)
}

func (unconfigured) AddFact(context.Context, string) (bool, error) {
	return false, fmt.Errorf("facts: %w", ErrNotConfigured)
}

func (unconfigured) ProcessChat(context.Context, string) (string, error) {
	return "", fmt.Errorf("chat: %w", ErrNotConfigured)
}

func (unconfigured) DisplayAndSpeak(context.Context, string, string) {}
