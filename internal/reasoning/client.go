package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/promethean-dev/promethean/internal/config"
)

// Client routes skill invocations to providers. Every call resolves the
// skill's route (model, timeout, retries, backoff, fallback chain) at
// invocation time, so route changes picked up by a config reload take
// effect on the next call.
type Client struct {
	providers map[string]Provider
	routes    func(skill string) (config.SkillRoute, bool)
	usage     *UsageTracker
	logger    *slog.Logger
	mu        sync.RWMutex
}

// UsageTracker counts requests and tokens per model.
type UsageTracker struct {
	mu    sync.RWMutex
	usage map[string]*ModelUsage
}

// ModelUsage is the per-model call accounting.
type ModelUsage struct {
	TotalRequests  int64
	TotalFailures  int64
	TotalTokensIn  int64
	TotalTokensOut int64
}

// NewClient builds a client from the configured providers plus the
// always-available deterministic stub.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	c := &Client{
		providers: make(map[string]Provider),
		routes: func(skill string) (config.SkillRoute, bool) {
			config.RLock()
			defer config.RUnlock()
			r, ok := cfg.Skills[skill]
			return r, ok
		},
		usage:  &UsageTracker{usage: make(map[string]*ModelUsage)},
		logger: logger.With("component", "reasoning"),
	}

	c.Register(NewStubProvider())
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "anthropic":
			c.Register(NewAnthropicProvider(name, pc))
		case "openai":
			c.Register(NewOpenAIProvider(name, pc))
		case "ollama":
			c.Register(NewOllamaProvider(name, pc))
		default:
			c.logger.Warn("unknown provider type, skipping", "provider", name, "type", pc.Type)
		}
	}
	return c
}

// Register adds a provider.
func (c *Client) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
	c.logger.Info("provider registered", "name", p.Name())
}

// Invoke runs a skill: the route's primary model first, then each fallback,
// each with the route's retry budget and per-attempt timeout.
func (c *Client) Invoke(ctx context.Context, skill string, req Request) (*Response, error) {
	route, ok := c.routes(skill)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, skill)
	}

	models := append([]string{route.Model}, route.Fallback...)
	var lastErr error

	for i, modelID := range models {
		if i > 0 {
			c.logger.Info("trying fallback", "skill", skill, "model", modelID, "attempt", i)
		}
		resp, err := c.invokeModel(ctx, route, modelID, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("model failed for skill", "skill", skill, "model", modelID, "error", err)
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: skill %s: %v", ErrTimeout, skill, lastErr)
	}
	return nil, fmt.Errorf("%w: skill %s: %v", ErrExhausted, skill, lastErr)
}

// invokeModel runs one model with the route's retry and backoff policy.
func (c *Client) invokeModel(ctx context.Context, route config.SkillRoute, modelID string, req Request) (*Response, error) {
	provider, model, err := c.resolve(modelID)
	if err != nil {
		return nil, err
	}
	req.Model = model

	var lastErr error
	for attempt := 0; attempt <= route.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := route.Backoff()
			if route.Exponential {
				delay = delay * time.Duration(1<<(attempt-1))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, route.Timeout())
		resp, err := provider.Chat(attemptCtx, req)
		cancel()

		if err == nil {
			c.usage.record(modelID, resp, false)
			return resp, nil
		}
		lastErr = err
		c.usage.record(modelID, nil, true)
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// resolve splits "provider/model" and finds the provider.
func (c *Client) resolve(modelID string) (Provider, string, error) {
	parts := strings.SplitN(modelID, "/", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid model ID format (expected provider/model): %s", modelID)
	}

	c.mu.RLock()
	provider, ok := c.providers[parts[0]]
	c.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("provider not found: %s", parts[0])
	}
	return provider, parts[1], nil
}

func (t *UsageTracker) record(modelID string, resp *Response, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.usage[modelID]
	if !ok {
		u = &ModelUsage{}
		t.usage[modelID] = u
	}
	u.TotalRequests++
	if failed {
		u.TotalFailures++
		return
	}
	u.TotalTokensIn += int64(resp.TokensInput)
	u.TotalTokensOut += int64(resp.TokensOutput)
}

// Usage returns a copy of the accounting for one model.
func (c *Client) Usage(modelID string) ModelUsage {
	c.usage.mu.RLock()
	defer c.usage.mu.RUnlock()

	if u, ok := c.usage.usage[modelID]; ok {
		return *u
	}
	return ModelUsage{}
}

// AllUsage returns a copy of the accounting for every model seen.
func (c *Client) AllUsage() map[string]ModelUsage {
	c.usage.mu.RLock()
	defer c.usage.mu.RUnlock()

	out := make(map[string]ModelUsage, len(c.usage.usage))
	for id, u := range c.usage.usage {
		out[id] = *u
	}
	return out
}
