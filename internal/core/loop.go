// Package core drives the self-modification loop: pick a target module,
// seed a candidate population, run the evolutionary contest, pass the
// winner through the gate and firewall, then commit or discard. Every
// iteration leaves exactly one run record in the audit trail.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/evolution"
	"github.com/promethean-dev/promethean/internal/store"
	"github.com/promethean-dev/promethean/internal/types"
)

// Generator seeds populations and mutates offspring. The mutator package
// satisfies this.
type Generator interface {
	Generate(ctx context.Context, module *types.ModuleRecord, count int, objective string) []*types.Candidate
	MutateOffspring(ctx context.Context, parent *types.Candidate, objective string) *types.Candidate
}

// Approver decides whether a winning candidate may be committed. The gate
// package satisfies this.
type Approver interface {
	Approve(ctx context.Context, cand *types.Candidate, module *types.ModuleRecord) (bool, string)
}

// EvaluatorFactory builds the candidate evaluator for one target.
type EvaluatorFactory func(target config.TargetDef) evolution.Evaluator

// RunEvent announces a finished loop iteration to notifiers.
type RunEvent struct {
	Run           *types.RunRecord `json:"run"`
	ModuleVersion int              `json:"module_version,omitempty"`
}

// Notifier receives run events. Implementations must not block; slow
// consumers should buffer internally.
type Notifier interface {
	NotifyRun(ctx context.Context, ev RunEvent)
}

// Status is a point-in-time snapshot of the loop for the API.
type Status struct {
	Running    bool             `json:"running"`
	Iterations int              `json:"iterations"`
	LastRun    *types.RunRecord `json:"last_run,omitempty"`
	NextRun    time.Time        `json:"next_run"`
}

// Deps are the loop's collaborators. Strategy and Firewall default from
// the loop config when nil.
type Deps struct {
	Store      *store.Store
	Generator  Generator
	Gate       Approver
	Firewall   *Firewall
	Strategy   SelectStrategy
	Evaluators EvaluatorFactory
	// ConfigPath enables hot reload between iterations. Empty disables it.
	ConfigPath string
}

// Loop is the orchestrator core.
type Loop struct {
	cfg        *config.Config
	store      *store.Store
	gen        Generator
	gate       Approver
	firewall   *Firewall
	strategy   SelectStrategy
	evalFor    EvaluatorFactory
	configPath string
	logger     *slog.Logger
	now        func() time.Time

	dirty     atomic.Bool
	mu        sync.Mutex
	notifiers []Notifier
	status    Status
}

// NewLoop wires the loop.
func NewLoop(cfg *config.Config, deps Deps, logger *slog.Logger) *Loop {
	l := &Loop{
		cfg:        cfg,
		store:      deps.Store,
		gen:        deps.Generator,
		gate:       deps.Gate,
		firewall:   deps.Firewall,
		strategy:   deps.Strategy,
		evalFor:    deps.Evaluators,
		configPath: deps.ConfigPath,
		logger:     logger.With("component", "core"),
		now:        time.Now,
	}
	if l.strategy == nil {
		l.strategy = NewStrategy(cfg.Loop, deps.Store, logger)
	}
	if l.firewall == nil {
		cooldown := time.Duration(cfg.Loop.FailureCooldownMinutes) * time.Minute
		l.firewall = NewFirewall(cfg.Loop.MaxCommitsPerHour, cfg.Loop.FitnessDropThreshold, cooldown, logger)
	}
	return l
}

// AddNotifier registers a run event consumer.
func (l *Loop) AddNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifiers = append(l.notifiers, n)
}

// Status returns the current loop status.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// MarkConfigDirty requests a config reload before the next iteration. The
// file watcher calls this; the reload itself happens on the loop goroutine
// so a half-written file never races an iteration.
func (l *Loop) MarkConfigDirty() {
	l.dirty.Store(true)
}

// Bootstrap registers the configured targets in the store. Seed source is
// read from DataDir/modules/<path>. Already-registered modules keep their
// live source and version; only the protected flag follows the config.
func (l *Loop) Bootstrap(ctx context.Context) error {
	config.RLock()
	targets := append([]config.TargetDef{}, l.cfg.Targets...)
	dataDir := l.cfg.Server.DataDir
	config.RUnlock()

	for _, t := range targets {
		seedPath := filepath.Join(dataDir, "modules", t.Path)
		src, err := os.ReadFile(seedPath)
		if err != nil {
			if _, gerr := l.store.GetModule(ctx, t.ID); gerr == nil {
				if rerr := l.store.RegisterModule(ctx, &types.ModuleRecord{
					ModuleID: t.ID, Protected: t.Protected, UpdatedAt: l.now(),
				}); rerr != nil {
					return fmt.Errorf("sync target %s: %w", t.ID, rerr)
				}
				continue
			}
			l.logger.Warn("target seed source missing, skipping registration",
				"module", t.ID, "path", seedPath, "error", err)
			continue
		}

		if err := l.store.RegisterModule(ctx, &types.ModuleRecord{
			ModuleID:  t.ID,
			Source:    string(src),
			Version:   1,
			Protected: t.Protected,
			UpdatedAt: l.now(),
		}); err != nil {
			return fmt.Errorf("register target %s: %w", t.ID, err)
		}
		l.logger.Info("target registered", "module", t.ID, "protected", t.Protected)
	}
	return nil
}

// Start runs the loop on its schedule until the context is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	config.RLock()
	sched := l.cfg.Loop.Schedule
	config.RUnlock()

	var next func(time.Time) time.Time
	switch sched.Kind {
	case "cron":
		cronSched, err := cron.ParseStandard(sched.Expr)
		if err != nil {
			return fmt.Errorf("parse cron schedule %q: %w", sched.Expr, err)
		}
		next = cronSched.Next
	default:
		interval := time.Duration(sched.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = time.Hour
		}
		next = func(t time.Time) time.Time { return t.Add(interval) }
	}

	l.logger.Info("core loop started", "schedule", sched.Kind)
	for {
		at := next(l.now())
		l.mu.Lock()
		l.status.NextRun = at
		l.mu.Unlock()

		timer := time.NewTimer(time.Until(at))
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("core loop stopped")
			return ctx.Err()
		case <-timer.C:
		}

		l.maybeReload()
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOnce executes a single iteration. An iteration with no registered
// targets is a no-op and leaves no run record; every real iteration
// appends exactly one. The returned error is non-nil only when the
// iteration was cut short by cancellation.
func (l *Loop) RunOnce(ctx context.Context) (*types.RunRecord, error) {
	config.RLock()
	targets := append([]config.TargetDef{}, l.cfg.Targets...)
	ev := l.cfg.Evolution
	config.RUnlock()

	target, ok := l.strategy.Next(ctx, targets)
	if !ok {
		l.logger.Info("no targets registered, iteration skipped")
		return nil, nil
	}

	params := evolution.Params{
		PopulationSize:   ev.PopulationSize,
		Generations:      ev.Generations,
		TournamentSize:   ev.TournamentSize,
		ElitismCount:     ev.ElitismCount,
		FitnessThreshold: ev.FitnessThreshold,
		Parallelism:      ev.Parallelism,
		CrossoverRate:    ev.CrossoverRate,
		MutationRate:     ev.MutationRate,
	}

	run := &types.RunRecord{
		ID:             uuid.New().String(),
		TargetModuleID: target.ID,
		StartedAt:      l.now(),
	}
	l.setRunning(true)
	l.logger.Info("iteration started", "run", run.ID, "module", target.ID)

	version, err := l.iterate(ctx, target, params, run)
	run.FinishedAt = l.now()
	l.setRunning(false)

	// The audit record survives cancellation of the iteration context.
	if aerr := l.store.AppendRun(context.Background(), run); aerr != nil {
		l.logger.Error("append run record failed", "run", run.ID, "error", aerr)
	}

	l.logger.Info("iteration finished",
		"run", run.ID,
		"module", target.ID,
		"outcome", run.Outcome,
		"reason", run.Reason,
		"elapsed", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
	)
	l.finish(run, version)
	return run, err
}

// iterate runs the pipeline for one target and fills in the run record's
// outcome. It returns the committed module version (0 when nothing was
// committed) and an error only on cancellation.
func (l *Loop) iterate(ctx context.Context, target config.TargetDef, params evolution.Params, run *types.RunRecord) (int, error) {
	module, err := l.store.GetModule(ctx, target.ID)
	if err != nil {
		run.Outcome = types.OutcomeError
		run.Reason = fmt.Sprintf("load module: %v", err)
		return 0, nil
	}

	seeds := l.gen.Generate(ctx, module, params.PopulationSize, target.Objective)
	if len(seeds) == 0 {
		run.Outcome = types.OutcomeError
		run.Reason = "no candidates produced"
		return 0, nil
	}

	engine := evolution.NewEngine(l.evalFor(target), l.gen, l.logger)
	outcome, evErr := engine.Evolve(ctx, seeds, params, target.Objective)
	l.archive(outcome)

	if evErr != nil {
		run.Outcome = types.OutcomeError
		run.Reason = fmt.Sprintf("evolution aborted: %v", evErr)
		return 0, evErr
	}

	winner := outcome.Winner
	if winner == nil {
		run.Outcome = types.OutcomeEvalRejected
		run.Reason = "no candidate passed benchmarks"
		return 0, nil
	}
	run.WinnerID = winner.ID

	if ok, reason := l.gate.Approve(ctx, winner, module); !ok {
		run.Outcome = types.OutcomeGateRejected
		run.Reason = reason
		return 0, nil
	}

	if ok, reason := l.firewall.AllowCommit(target.ID); !ok {
		run.Outcome = types.OutcomeGateRejected
		run.Reason = "firewall: " + reason
		return 0, nil
	}
	if collapsed, detail := l.firewall.CheckCollapse(target.ID, winner.FitnessOr(types.MinFitness)); collapsed {
		run.Outcome = types.OutcomeGateRejected
		run.Reason = "firewall: " + detail
		return 0, nil
	}

	// Past the gate the commit must not be interruptible; a half-applied
	// commit is worse than a late one.
	updated, err := l.store.CommitModule(context.Background(), target.ID, winner.Source, module.Version)
	if err != nil {
		run.Outcome = types.OutcomeError
		if errors.Is(err, store.ErrCommitConflict) {
			run.Reason = fmt.Sprintf("commit conflict, candidate discarded: %v", err)
		} else {
			run.Reason = fmt.Sprintf("commit failed: %v", err)
		}
		return 0, nil
	}

	l.firewall.RecordCommit(target.ID, winner.FitnessOr(types.MinFitness))
	run.Outcome = types.OutcomeCommitted
	l.logger.Info("winner committed",
		"module", target.ID,
		"candidate", winner.ID,
		"version", updated.Version,
		"fitness", winner.FitnessOr(types.MinFitness),
	)
	return updated.Version, nil
}

// archive persists every evaluated candidate with its evaluation. Archive
// failures are logged, never fatal; the archive is an enrichment of the
// audit trail, not part of it.
func (l *Loop) archive(outcome *evolution.Outcome) {
	if outcome == nil {
		return
	}
	byID := make(map[string]*types.EvaluationResult, len(outcome.Evaluations))
	for _, ev := range outcome.Evaluations {
		byID[ev.CandidateID] = ev
	}
	for _, cand := range outcome.Candidates {
		ev, ok := byID[cand.ID]
		if !ok {
			continue
		}
		if err := l.store.ArchiveCandidate(context.Background(), cand, ev); err != nil {
			l.logger.Warn("candidate archive failed", "candidate", cand.ID, "error", err)
		}
	}
}

func (l *Loop) maybeReload() {
	if !l.dirty.Swap(false) || l.configPath == "" {
		return
	}
	result, err := l.cfg.Reload(l.configPath)
	if err != nil {
		l.logger.Error("config reload failed, keeping last known good", "error", err)
		return
	}
	result.LogResult(l.logger)
}

func (l *Loop) setRunning(running bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Running = running
}

func (l *Loop) finish(run *types.RunRecord, version int) {
	l.mu.Lock()
	l.status.Iterations++
	l.status.LastRun = run
	notifiers := append([]Notifier{}, l.notifiers...)
	l.mu.Unlock()

	ev := RunEvent{Run: run, ModuleVersion: version}
	for _, n := range notifiers {
		n.NotifyRun(context.Background(), ev)
	}
}
