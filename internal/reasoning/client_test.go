package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/promethean-dev/promethean/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider fails a fixed number of times before succeeding.
type fakeProvider struct {
	name      string
	failTimes int
	calls     int
	reply     string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return nil, fmt.Errorf("induced failure %d", f.calls)
	}
	return &Response{Content: f.reply, Model: req.Model, TokensInput: 10, TokensOutput: 5}, nil
}

func clientWith(t *testing.T, skills map[string]config.SkillRoute, providers ...Provider) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	for k, v := range skills {
		cfg.Skills[k] = v
	}
	c := NewClient(cfg, testLogger())
	for _, p := range providers {
		c.Register(p)
	}
	return c
}

func TestInvokeStubDeterministic(t *testing.T) {
	c := clientWith(t, nil)

	req := Request{Messages: []Message{{Role: "user", Content: "def add(a, b): return a + b"}}}
	r1, err := c.Invoke(context.Background(), config.SkillMutation, req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	r2, err := c.Invoke(context.Background(), config.SkillMutation, req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if r1.Content != r2.Content {
		t.Error("stub replies for identical input should be identical")
	}
	if r1.Content == "" {
		t.Error("stub reply should not be empty")
	}
}

func TestInvokeUnknownSkill(t *testing.T) {
	c := clientWith(t, nil)

	_, err := c.Invoke(context.Background(), "no_such_skill", Request{})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	fp := &fakeProvider{name: "flaky", failTimes: 2, reply: "ok"}
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillJudge: {Model: "flaky/m", MaxRetries: 2, BackoffMs: 1},
	}, fp)

	resp, err := c.Invoke(context.Background(), config.SkillJudge, Request{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected ok, got %q", resp.Content)
	}
	if fp.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", fp.calls)
	}
}

func TestInvokeRetryBudgetExhausted(t *testing.T) {
	fp := &fakeProvider{name: "dead", failTimes: 100}
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillJudge: {Model: "dead/m", MaxRetries: 2, BackoffMs: 1},
	}, fp)

	_, err := c.Invoke(context.Background(), config.SkillJudge, Request{})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if fp.calls != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", fp.calls)
	}
}

func TestInvokeFallbackChain(t *testing.T) {
	dead := &fakeProvider{name: "dead", failTimes: 100}
	alive := &fakeProvider{name: "alive", reply: "fallback answer"}
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillMutation: {Model: "dead/m", Fallback: []string{"alive/m"}, MaxRetries: 1, BackoffMs: 1},
	}, dead, alive)

	resp, err := c.Invoke(context.Background(), config.SkillMutation, Request{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "fallback answer" {
		t.Errorf("expected fallback answer, got %q", resp.Content)
	}
	if dead.calls != 2 {
		t.Errorf("expected primary tried twice before fallback, got %d", dead.calls)
	}
}

func TestInvokeUnknownProvider(t *testing.T) {
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillJudge: {Model: "ghost/m", MaxRetries: 0},
	})

	if _, err := c.Invoke(context.Background(), config.SkillJudge, Request{}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	fp := &fakeProvider{name: "dead", failTimes: 100}
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillJudge: {Model: "dead/m", MaxRetries: 10, BackoffMs: 50},
	}, fp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Invoke(ctx, config.SkillJudge, Request{})
	if err == nil {
		t.Fatal("expected error under cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should cut the retry loop short")
	}
}

func TestUsageTracking(t *testing.T) {
	fp := &fakeProvider{name: "flaky", failTimes: 1, reply: "ok"}
	c := clientWith(t, map[string]config.SkillRoute{
		config.SkillJudge: {Model: "flaky/m", MaxRetries: 1, BackoffMs: 1},
	}, fp)

	if _, err := c.Invoke(context.Background(), config.SkillJudge, Request{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	u := c.Usage("flaky/m")
	if u.TotalRequests != 2 {
		t.Errorf("expected 2 requests recorded, got %d", u.TotalRequests)
	}
	if u.TotalFailures != 1 {
		t.Errorf("expected 1 failure recorded, got %d", u.TotalFailures)
	}
	if u.TotalTokensIn != 10 || u.TotalTokensOut != 5 {
		t.Errorf("unexpected token accounting: %+v", u)
	}

	all := c.AllUsage()
	if _, ok := all["flaky/m"]; !ok {
		t.Error("expected flaky/m in AllUsage")
	}
}
