package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/promethean-dev/promethean/internal/config"
)

// SelectStrategy picks the next target module to work on. Implementations
// must be safe for concurrent use.
type SelectStrategy interface {
	Next(ctx context.Context, targets []config.TargetDef) (config.TargetDef, bool)
}

// FailureSource reports the last failed run per module since a point in
// time. The store satisfies this.
type FailureSource interface {
	LastFailures(ctx context.Context, since time.Time) (map[string]time.Time, error)
}

// RoundRobin cycles through the registry in order. The cursor survives
// registry edits; it simply wraps on the current length.
type RoundRobin struct {
	mu  sync.Mutex
	idx int
}

// Next returns the next target in rotation.
func (r *RoundRobin) Next(_ context.Context, targets []config.TargetDef) (config.TargetDef, bool) {
	if len(targets) == 0 {
		return config.TargetDef{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := targets[r.idx%len(targets)]
	r.idx++
	return t, true
}

// FailureBiased skips modules that failed a run within the cooldown window,
// rotating among the rest. When every target is cooling down it degrades to
// plain round robin so the loop never starves.
type FailureBiased struct {
	src      FailureSource
	cooldown time.Duration
	rr       RoundRobin
	logger   *slog.Logger
	now      func() time.Time
}

// NewFailureBiased creates a failure-biased strategy over the given failure
// source.
func NewFailureBiased(src FailureSource, cooldown time.Duration, logger *slog.Logger) *FailureBiased {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &FailureBiased{
		src:      src,
		cooldown: cooldown,
		logger:   logger.With("component", "strategy"),
		now:      time.Now,
	}
}

// Next picks the next eligible target.
func (f *FailureBiased) Next(ctx context.Context, targets []config.TargetDef) (config.TargetDef, bool) {
	if len(targets) == 0 {
		return config.TargetDef{}, false
	}

	since := f.now().Add(-f.cooldown)
	failures, err := f.src.LastFailures(ctx, since)
	if err != nil {
		f.logger.Warn("failure history unavailable, falling back to round robin", "error", err)
		return f.rr.Next(ctx, targets)
	}

	eligible := make([]config.TargetDef, 0, len(targets))
	for _, t := range targets {
		if _, cooling := failures[t.ID]; cooling {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		f.logger.Info("all targets cooling down, falling back to round robin")
		return f.rr.Next(ctx, targets)
	}
	return f.rr.Next(ctx, eligible)
}

// NewStrategy builds the strategy named in the loop config.
func NewStrategy(cfg config.LoopConfig, src FailureSource, logger *slog.Logger) SelectStrategy {
	if cfg.Strategy == "failure_biased" {
		cooldown := time.Duration(cfg.FailureCooldownMinutes) * time.Minute
		return NewFailureBiased(src, cooldown, logger)
	}
	return &RoundRobin{}
}
