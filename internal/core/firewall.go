package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// breakerState tracks the per-module circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Firewall stands between gate approval and the commit. It rate-limits
// commits per module per hour and trips a circuit breaker when a committed
// module's fitness collapses relative to its previous commit. A tripped
// breaker blocks further commits until the cooldown elapses, then admits
// one probe commit (half-open); a successful probe closes it again.
type Firewall struct {
	mu            sync.Mutex
	maxPerHour    int
	dropThreshold float64
	cooldown      time.Duration
	commits       map[string][]time.Time
	breakers      map[string]*breaker
	lastFitness   map[string]float64
	now           func() time.Time
	logger        *slog.Logger
}

type breaker struct {
	state    breakerState
	openedAt time.Time
}

// NewFirewall creates a mutation firewall. maxPerHour <= 0 disables rate
// limiting; dropThreshold <= 0 disables the collapse check.
func NewFirewall(maxPerHour int, dropThreshold float64, cooldown time.Duration, logger *slog.Logger) *Firewall {
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	return &Firewall{
		maxPerHour:    maxPerHour,
		dropThreshold: dropThreshold,
		cooldown:      cooldown,
		commits:       make(map[string][]time.Time),
		breakers:      make(map[string]*breaker),
		lastFitness:   make(map[string]float64),
		now:           time.Now,
		logger:        logger.With("component", "firewall"),
	}
}

// AllowCommit reports whether a commit to the module may proceed. A breaker
// past its cooldown moves to half-open and admits the attempt.
func (f *Firewall) AllowCommit(moduleID string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()

	if b, ok := f.breakers[moduleID]; ok && b.state == breakerOpen {
		if now.Sub(b.openedAt) < f.cooldown {
			remaining := f.cooldown - now.Sub(b.openedAt)
			return false, fmt.Sprintf("circuit breaker open for %s, %s of cooldown remaining", moduleID, remaining.Round(time.Second))
		}
		b.state = breakerHalfOpen
		f.logger.Info("circuit breaker half-open, admitting probe commit", "module", moduleID)
	}

	if f.maxPerHour > 0 {
		recent := pruneWindow(f.commits[moduleID], now.Add(-time.Hour))
		f.commits[moduleID] = recent
		if len(recent) >= f.maxPerHour {
			return false, fmt.Sprintf("commit rate limit reached for %s (%d/hour)", moduleID, f.maxPerHour)
		}
	}

	return true, ""
}

// CheckCollapse compares the winner's fitness against the module's last
// committed fitness. A relative drop at or past the threshold trips the
// breaker and blocks the commit.
func (f *Firewall) CheckCollapse(moduleID string, fitness float64) (bool, string) {
	if f.dropThreshold <= 0 {
		return false, ""
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.lastFitness[moduleID]
	if !ok || prev <= 0 {
		return false, ""
	}

	drop := (prev - fitness) / prev
	if drop < f.dropThreshold {
		return false, ""
	}

	b := f.breakers[moduleID]
	if b == nil {
		b = &breaker{}
		f.breakers[moduleID] = b
	}
	b.state = breakerOpen
	b.openedAt = f.now()

	f.logger.Warn("fitness collapse, circuit breaker tripped",
		"module", moduleID,
		"previous", prev,
		"proposed", fitness,
		"drop", drop,
	)
	return true, fmt.Sprintf("fitness collapsed %.0f%% (%.2f to %.2f), circuit breaker tripped for %s", drop*100, prev, fitness, moduleID)
}

// RecordCommit notes a successful commit: it counts against the rate limit,
// becomes the new fitness baseline, and closes a half-open breaker.
func (f *Firewall) RecordCommit(moduleID string, fitness float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.commits[moduleID] = append(pruneWindow(f.commits[moduleID], now.Add(-time.Hour)), now)
	f.lastFitness[moduleID] = fitness

	if b, ok := f.breakers[moduleID]; ok && b.state == breakerHalfOpen {
		b.state = breakerClosed
		f.logger.Info("circuit breaker closed after successful probe", "module", moduleID)
	}
}

// BreakerState returns the breaker state for the module, for status
// reporting.
func (f *Firewall) BreakerState(moduleID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[moduleID]; ok {
		return b.state.String()
	}
	return breakerClosed.String()
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
