package fitness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func judgeClient(t *testing.T, respond func(reasoning.Request) (string, error)) *reasoning.Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Skills[config.SkillJudge] = config.SkillRoute{Model: "stub/judge", MaxRetries: 0, BackoffMs: 1}
	c := reasoning.NewClient(cfg, testLogger())
	stub := reasoning.NewStubProvider()
	stub.Respond = respond
	c.Register(stub)
	return c
}

func passingResult() *types.EvaluationResult {
	return &types.EvaluationResult{
		Passed:  true,
		Metrics: map[string]float64{"pass_rate": 1.0},
	}
}

func TestScoreMetricsOnly(t *testing.T) {
	e := NewEvaluator(nil, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "def f():\n    return 1\n"}

	result := e.Score(context.Background(), cand, passingResult(), "speed up")

	if result.CandidateID != "c1" {
		t.Errorf("expected candidate id propagated, got %q", result.CandidateID)
	}
	if result.Fitness <= 0 {
		t.Errorf("passing candidate must get positive fitness, got %f", result.Fitness)
	}
	if result.JudgeScore != nil {
		t.Error("metrics-only scoring must not set a judge score")
	}
	if result.Vector.Performance != 10 {
		t.Errorf("pass_rate 1.0 should map to performance 10, got %f", result.Vector.Performance)
	}
}

func TestScoreWithJudge(t *testing.T) {
	client := judgeClient(t, func(req reasoning.Request) (string, error) {
		return `Here is my verdict: {"performance": 8, "clarity": 6, "brevity": 7, "safety": 9, "novelty": 4}`, nil
	})
	e := NewEvaluator(client, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "x = 1"}

	result := e.Score(context.Background(), cand, passingResult(), "obj")

	if result.JudgeScore == nil {
		t.Fatal("expected judge score")
	}
	want := (8.0 + 6 + 7 + 9 + 4) / 5
	if *result.JudgeScore != want {
		t.Errorf("expected judge score %f, got %f", want, *result.JudgeScore)
	}
	if result.Vector.Clarity != 6 {
		t.Errorf("judge clarity should overlay static value, got %f", result.Vector.Clarity)
	}
}

func TestScoreJudgeFailureFallsBack(t *testing.T) {
	client := judgeClient(t, func(req reasoning.Request) (string, error) {
		return "", fmt.Errorf("backend down")
	})
	e := NewEvaluator(client, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "x = 1"}

	result := e.Score(context.Background(), cand, passingResult(), "obj")

	if result.JudgeScore != nil {
		t.Error("failed judge must not set a judge score")
	}
	if result.Fitness <= 0 {
		t.Errorf("fallback scoring must still yield usable fitness, got %f", result.Fitness)
	}
	if !strings.Contains(result.Diagnostics, "judge unavailable") {
		t.Errorf("expected judge failure noted in diagnostics, got %q", result.Diagnostics)
	}
}

func TestScoreJudgeGarbageReplyFallsBack(t *testing.T) {
	client := judgeClient(t, func(req reasoning.Request) (string, error) {
		return "I cannot score this.", nil
	})
	e := NewEvaluator(client, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "x = 1"}

	result := e.Score(context.Background(), cand, passingResult(), "obj")
	if result.JudgeScore != nil {
		t.Error("unparseable judge reply must degrade to metrics-only")
	}
}

func TestScoreClampsJudgeValues(t *testing.T) {
	client := judgeClient(t, func(req reasoning.Request) (string, error) {
		return `{"performance": 25, "safety": -3}`, nil
	})
	e := NewEvaluator(client, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "x = 1"}

	result := e.Score(context.Background(), cand, passingResult(), "obj")

	if result.Vector.Performance != 10 {
		t.Errorf("performance must clamp to 10, got %f", result.Vector.Performance)
	}
	if result.Vector.Safety != 0 {
		t.Errorf("safety must clamp to 0, got %f", result.Vector.Safety)
	}
}

func TestScoreFailedCandidateRanksBelowPassing(t *testing.T) {
	e := NewEvaluator(nil, testLogger())

	pass := e.Score(context.Background(), &types.Candidate{ID: "p", Source: "x"}, passingResult(), "obj")
	fail := e.Score(context.Background(), &types.Candidate{ID: "f", Source: "x"}, &types.EvaluationResult{
		Passed:  false,
		Metrics: map[string]float64{"pass_rate": 0.1},
	}, "obj")

	if fail.Fitness >= pass.Fitness {
		t.Errorf("failing candidate (%f) must rank below passing (%f)", fail.Fitness, pass.Fitness)
	}
}

func TestScoreDeterministic(t *testing.T) {
	e := NewEvaluator(nil, testLogger())
	cand := &types.Candidate{ID: "c1", Source: "def f():\n    return 1\n"}

	a := e.Score(context.Background(), cand, passingResult(), "obj")
	b := e.Score(context.Background(), cand, passingResult(), "obj")
	if a.Fitness != b.Fitness || a.Vector != b.Vector {
		t.Error("identical inputs must score identically")
	}
}

func TestScoreDoesNotMutateInput(t *testing.T) {
	e := NewEvaluator(nil, testLogger())
	partial := passingResult()
	e.Score(context.Background(), &types.Candidate{ID: "c1", Source: "x"}, partial, "obj")

	if partial.CandidateID != "" || partial.Fitness != 0 {
		t.Error("partial result must not be mutated in place")
	}
}
