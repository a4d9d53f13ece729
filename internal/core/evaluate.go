package core

import (
	"context"
	"path/filepath"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/evolution"
	"github.com/promethean-dev/promethean/internal/fitness"
	"github.com/promethean-dev/promethean/internal/sandbox"
	"github.com/promethean-dev/promethean/internal/types"
)

// candidateEvaluator runs one candidate through the sandbox and completes
// the result with the fitness scorer.
type candidateEvaluator struct {
	runner    *sandbox.Runner
	scorer    *fitness.Evaluator
	cfg       *config.Config
	target    config.TargetDef
	objective string
}

func (e *candidateEvaluator) Evaluate(ctx context.Context, cand *types.Candidate) (*types.EvaluationResult, error) {
	config.RLock()
	limits := e.cfg.Sandbox
	config.RUnlock()

	suiteDir := filepath.Join(limits.BenchmarksDir, e.target.Benchmark)
	partial, err := e.runner.Run(ctx, cand.Source, suiteDir, limits)
	if err != nil {
		return nil, err
	}
	return e.scorer.Score(ctx, cand, partial, e.objective), nil
}

// NewSandboxEvaluators returns the production evaluator factory: sandbox
// execution followed by fitness scoring, with limits re-read from the live
// config on every run so hot reloads take effect mid-contest.
func NewSandboxEvaluators(runner *sandbox.Runner, scorer *fitness.Evaluator, cfg *config.Config) EvaluatorFactory {
	return func(target config.TargetDef) evolution.Evaluator {
		return &candidateEvaluator{
			runner:    runner,
			scorer:    scorer,
			cfg:       cfg,
			target:    target,
			objective: target.Objective,
		}
	}
}
