// Package fitness turns raw sandbox output into a completed evaluation:
// the 5-dimension score vector, an optional judge score, and the scalar
// fitness the evolutionary engine ranks by.
package fitness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/types"
)

// Weights for the scalar fitness. Safety and performance dominate; the
// qualitative dimensions break ties.
const (
	weightPerformance = 0.35
	weightClarity     = 0.15
	weightBrevity     = 0.10
	weightSafety      = 0.25
	weightNovelty     = 0.15
)

// Evaluator completes partial evaluation results. A nil client disables the
// judge and scoring stays metrics-only.
type Evaluator struct {
	client *reasoning.Client
	logger *slog.Logger
}

// judgeVerdict is the JSON object the judge skill is prompted to return.
type judgeVerdict struct {
	Performance *float64 `json:"performance"`
	Clarity     *float64 `json:"clarity"`
	Brevity     *float64 `json:"brevity"`
	Safety      *float64 `json:"safety"`
	Novelty     *float64 `json:"novelty"`
}

// NewEvaluator creates a fitness evaluator.
func NewEvaluator(client *reasoning.Client, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		client: client,
		logger: logger.With("component", "fitness"),
	}
}

// Score completes a partial result. It always produces a usable fitness:
// judge failures degrade to metrics-only scoring and are noted in the
// diagnostics, never surfaced as an error.
func (e *Evaluator) Score(ctx context.Context, cand *types.Candidate, result *types.EvaluationResult, objective string) *types.EvaluationResult {
	completed := *result
	completed.CandidateID = cand.ID

	vec := staticVector(cand.Source, &completed)

	if e.client != nil {
		if verdict, err := e.judge(ctx, cand, &completed, objective); err != nil {
			e.logger.Warn("judge call failed, metrics-only scoring", "candidate", cand.ID, "error", err)
			if completed.Diagnostics != "" {
				completed.Diagnostics += "; "
			}
			completed.Diagnostics += fmt.Sprintf("judge unavailable: %v", err)
		} else {
			applyVerdict(&vec, verdict)
			score := vectorMean(vec)
			completed.JudgeScore = &score
		}
	}

	completed.Vector = vec
	completed.Fitness = weightPerformance*vec.Performance +
		weightClarity*vec.Clarity +
		weightBrevity*vec.Brevity +
		weightSafety*vec.Safety +
		weightNovelty*vec.Novelty

	e.logger.Debug("candidate scored",
		"candidate", cand.ID,
		"passed", completed.Passed,
		"fitness", completed.Fitness,
	)
	return &completed
}

// staticVector derives a baseline vector from metrics and source shape
// alone. Each dimension is 0-10.
func staticVector(source string, result *types.EvaluationResult) types.ScoreVector {
	perf := 0.0
	if rate, ok := result.Metrics["pass_rate"]; ok {
		perf = clamp10(rate * 10)
	} else if result.Passed {
		perf = 10
	}
	if lat, ok := result.Metrics["latency_ms"]; ok && lat > 0 {
		perf *= 1.0 / (1.0 + lat/10000.0)
	}

	brevity := clamp10(10.0 / (1.0 + float64(len(source))/4000.0))

	lines := strings.Split(source, "\n")
	commented := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "#") || strings.HasPrefix(t, "//") {
			commented++
		}
	}
	clarity := clamp10(3.0 + 20.0*float64(commented)/float64(max(len(lines), 1)))

	safety := 2.0
	if result.Passed {
		safety = 7.0
	}

	return types.ScoreVector{
		Performance: perf,
		Clarity:     clarity,
		Brevity:     brevity,
		Safety:      safety,
		Novelty:     5.0, // neutral without a judge opinion
	}
}

// judge asks the reasoning backend for a qualitative verdict.
func (e *Evaluator) judge(ctx context.Context, cand *types.Candidate, result *types.EvaluationResult, objective string) (*judgeVerdict, error) {
	prompt := fmt.Sprintf(`Objective: %s

Benchmark verdict: passed=%v metrics=%v

Candidate source:
%s

Score the candidate 0-10 on each dimension. Reply with a single JSON object:
{"performance": n, "clarity": n, "brevity": n, "safety": n, "novelty": n}`,
		objective, result.Passed, result.Metrics, cand.Source)

	resp, err := e.client.Invoke(ctx, config.SkillJudge, reasoning.Request{
		SystemPrompt: "You are a strict code reviewer scoring candidate module revisions.",
		Messages:     []reasoning.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// parseVerdict extracts the JSON object from a possibly chatty reply.
func parseVerdict(content string) (*judgeVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in judge reply")
	}

	var v judgeVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("parse judge reply: %w", err)
	}
	if v.Performance == nil && v.Clarity == nil && v.Brevity == nil && v.Safety == nil && v.Novelty == nil {
		return nil, fmt.Errorf("judge reply carries no scores")
	}
	return &v, nil
}

// applyVerdict overlays judge scores onto the static vector. Dimensions the
// judge omitted keep their static value.
func applyVerdict(vec *types.ScoreVector, v *judgeVerdict) {
	if v.Performance != nil {
		vec.Performance = clamp10(*v.Performance)
	}
	if v.Clarity != nil {
		vec.Clarity = clamp10(*v.Clarity)
	}
	if v.Brevity != nil {
		vec.Brevity = clamp10(*v.Brevity)
	}
	if v.Safety != nil {
		vec.Safety = clamp10(*v.Safety)
	}
	if v.Novelty != nil {
		vec.Novelty = clamp10(*v.Novelty)
	}
}

func vectorMean(v types.ScoreVector) float64 {
	return (v.Performance + v.Clarity + v.Brevity + v.Safety + v.Novelty) / 5.0
}

func clamp10(v float64) float64 {
	return math.Max(0, math.Min(10, v))
}
