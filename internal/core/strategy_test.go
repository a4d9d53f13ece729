package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/promethean-dev/promethean/internal/config"
)

type fakeFailures struct {
	failures map[string]time.Time
	err      error
}

func (f *fakeFailures) LastFailures(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]time.Time)
	for id, at := range f.failures {
		if at.After(since) {
			out[id] = at
		}
	}
	return out, nil
}

func targetDefs(ids ...string) []config.TargetDef {
	defs := make([]config.TargetDef, len(ids))
	for i, id := range ids {
		defs[i] = config.TargetDef{ID: id}
	}
	return defs
}

func TestRoundRobinCycles(t *testing.T) {
	rr := &RoundRobin{}
	targets := targetDefs("a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		next, ok := rr.Next(context.Background(), targets)
		if !ok {
			t.Fatal("expected a target")
		}
		got = append(got, next.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation broken: got %v", got)
		}
	}
}

func TestRoundRobinEmptyRegistry(t *testing.T) {
	rr := &RoundRobin{}
	if _, ok := rr.Next(context.Background(), nil); ok {
		t.Error("empty registry must yield no target")
	}
}

func TestFailureBiasedSkipsCoolingModules(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeFailures{failures: map[string]time.Time{
		"a": now.Add(-10 * time.Minute), // still cooling
		"c": now.Add(-2 * time.Hour),    // cooled off
	}}

	s := NewFailureBiased(src, time.Hour, testLogger())
	s.now = func() time.Time { return now }

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		next, ok := s.Next(context.Background(), targetDefs("a", "b", "c"))
		if !ok {
			t.Fatal("expected a target")
		}
		seen[next.ID]++
	}
	if seen["a"] != 0 {
		t.Errorf("cooling module selected %d times", seen["a"])
	}
	if seen["b"] == 0 || seen["c"] == 0 {
		t.Errorf("eligible modules must rotate: %v", seen)
	}
}

func TestFailureBiasedFallsBackWhenAllCooling(t *testing.T) {
	now := time.Now()
	src := &fakeFailures{failures: map[string]time.Time{
		"a": now.Add(-time.Minute),
		"b": now.Add(-time.Minute),
	}}

	s := NewFailureBiased(src, time.Hour, testLogger())
	if _, ok := s.Next(context.Background(), targetDefs("a", "b")); !ok {
		t.Error("all-cooling registry must fall back to round robin, not starve")
	}
}

func TestFailureBiasedFallsBackOnStoreError(t *testing.T) {
	s := NewFailureBiased(&fakeFailures{err: fmt.Errorf("db locked")}, time.Hour, testLogger())
	if _, ok := s.Next(context.Background(), targetDefs("a")); !ok {
		t.Error("history error must degrade to round robin")
	}
}

func TestNewStrategySelection(t *testing.T) {
	s := NewStrategy(config.LoopConfig{Strategy: "failure_biased", FailureCooldownMinutes: 30}, &fakeFailures{}, testLogger())
	if _, ok := s.(*FailureBiased); !ok {
		t.Errorf("expected FailureBiased, got %T", s)
	}

	s = NewStrategy(config.LoopConfig{Strategy: "round_robin"}, nil, testLogger())
	if _, ok := s.(*RoundRobin); !ok {
		t.Errorf("expected RoundRobin, got %T", s)
	}
}
