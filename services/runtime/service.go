package runtime

import (
	"context"
	"fmt"
	"log/slog"
)

// Gateway routes completion requests to a registered provider.
type Gateway struct {
	registry *Registry
	logger   *slog.Logger
}

// NewGateway creates a gateway over registry.
func NewGateway(registry *Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		logger:   logger.With("component", "runtime"),
	}
}

// Registry returns the provider registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Complete performs a completion request. Provider errors are returned
// unwrapped so their fault kind survives.
func (g *Gateway) Complete(ctx context.Context, params CompletionParams) (*CompletionResult, error) {
	p, err := g.pick(ctx, params)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "completing request",
		"provider", p.Name(),
		"model", params.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	result, err := p.Complete(ctx, params)
	if err != nil {
		g.logger.ErrorContext(ctx, "completion failed", "provider", p.Name(), "error", err)
		return nil, err
	}

	g.logger.DebugContext(ctx, "completion succeeded",
		"provider", result.Provider,
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"tool_calls", len(result.Message.ToolCalls),
		"tokens", result.Usage.TotalTokens,
	)
	return result, nil
}

// pick honours an explicit provider name, then prefers the first available
// provider that advertises the model, then falls back to the first available
// one. OpenAI-compatible endpoints often serve models they do not list.
func (g *Gateway) pick(ctx context.Context, params CompletionParams) (Provider, error) {
	if params.Provider != "" {
		p, ok := g.registry.Get(params.Provider)
		if !ok {
			return nil, fmt.Errorf("provider not found: %s", params.Provider)
		}
		if !p.Available(ctx) {
			return nil, fmt.Errorf("provider not available: %s", params.Provider)
		}
		return p, nil
	}

	available := g.registry.Available(ctx)
	if len(available) == 0 {
		return nil, fmt.Errorf("no providers available")
	}
	for _, p := range available {
		if Serves(p, params.Model) {
			return p, nil
		}
	}
	return available[0], nil
}
