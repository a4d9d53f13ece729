// Package evolution runs the selection contest: a population of candidates
// per target module, evaluated in parallel, bred across generations with
// tournament selection, crossover, mutation, and elitism.
package evolution

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/promethean-dev/promethean/internal/types"
)

// Evaluator scores one candidate. An error means the evaluation
// infrastructure failed; the engine assigns the sentinel minimum fitness
// and keeps going.
type Evaluator interface {
	Evaluate(ctx context.Context, cand *types.Candidate) (*types.EvaluationResult, error)
}

// Mutator derives a mutated child from a parent. Nil disables offspring
// mutation.
type Mutator interface {
	MutateOffspring(ctx context.Context, parent *types.Candidate, objective string) *types.Candidate
}

// Params are the externally configured evolutionary parameters for one run.
type Params struct {
	PopulationSize   int
	Generations      int
	TournamentSize   int
	ElitismCount     int
	FitnessThreshold float64
	Parallelism      int
	CrossoverRate    float64
	MutationRate     float64
}

// Outcome is everything one Evolve call produced: the winner (nil when no
// candidate passed) plus every evaluated candidate and its evaluation, for
// the archive.
type Outcome struct {
	Winner      *types.Candidate
	Candidates  []*types.Candidate
	Evaluations []*types.EvaluationResult
	Generations int
}

// Engine drives the contest.
type Engine struct {
	eval    Evaluator
	mutator Mutator
	logger  *slog.Logger
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// Option configures the engine.
type Option func(*Engine)

// WithSeed makes breeding decisions reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// NewEngine creates an evolution engine.
func NewEngine(eval Evaluator, mutator Mutator, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		eval:    eval,
		mutator: mutator,
		logger:  logger.With("component", "evolution"),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evolve runs the contest over the seed population. Cancellation is checked
// between generations only; a cancelled run returns ctx.Err() with the
// evaluations done so far. A nil winner with nil error means no candidate
// passed its benchmarks.
func (e *Engine) Evolve(ctx context.Context, seed []*types.Candidate, params Params, objective string) (*Outcome, error) {
	outcome := &Outcome{}
	if len(seed) == 0 {
		e.logger.Warn("empty seed population")
		return outcome, nil
	}

	population := append([]*types.Candidate{}, seed...)
	results := make(map[string]*types.EvaluationResult)
	seen := make(map[string]*types.Candidate)

	for gen := 0; gen < params.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			e.logger.Info("run cancelled between generations", "generation", gen)
			outcome.Evaluations = collectResults(results)
			outcome.Candidates = collectCandidates(seen)
			return outcome, err
		}

		if err := e.evaluatePopulation(ctx, population, results, seen, params.Parallelism); err != nil {
			outcome.Evaluations = collectResults(results)
			outcome.Candidates = collectCandidates(seen)
			return outcome, err
		}
		outcome.Generations = gen + 1

		sortByFitness(population)
		best := population[0]
		e.logger.Info("generation complete",
			"generation", gen,
			"best_fitness", best.FitnessOr(types.MinFitness),
			"population", len(population),
		)

		if r, ok := results[best.ID]; ok && r.Passed && best.FitnessOr(types.MinFitness) >= params.FitnessThreshold {
			e.logger.Info("fitness threshold reached, terminating early",
				"candidate", best.ID,
				"fitness", *best.Fitness,
			)
			break
		}

		if gen < params.Generations-1 {
			population = e.breed(ctx, population, params, objective)
		}
	}

	outcome.Evaluations = collectResults(results)
	outcome.Candidates = collectCandidates(seen)
	outcome.Winner = pickWinner(population, results)
	if outcome.Winner == nil {
		e.logger.Warn("no candidate passed, run yields no winner")
	}
	return outcome, nil
}

// evaluatePopulation scores every unscored candidate, bounded by a
// semaphore. Evaluator failures become the sentinel minimum fitness.
func (e *Engine) evaluatePopulation(ctx context.Context, population []*types.Candidate, results map[string]*types.EvaluationResult, seen map[string]*types.Candidate, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(int64(parallelism))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, cand := range population {
		if cand.Scored() {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context died mid-wave; wait out in-flight evaluations.
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(c *types.Candidate) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := e.eval.Evaluate(ctx, c)
			if err != nil {
				e.logger.Error("evaluation failed, sentinel fitness assigned", "candidate", c.ID, "error", err)
				result = &types.EvaluationResult{
					CandidateID: c.ID,
					Passed:      false,
					Metrics:     map[string]float64{},
					Fitness:     types.MinFitness,
					Diagnostics: "evaluation failed: " + err.Error(),
				}
			}

			mu.Lock()
			results[c.ID] = result
			if seen != nil {
				seen[c.ID] = c
			}
			f := result.Fitness
			c.Fitness = &f
			mu.Unlock()
		}(cand)
	}

	wg.Wait()
	return nil
}

// breed produces the next generation: elites survive unchanged, the rest
// are tournament-selected offspring.
func (e *Engine) breed(ctx context.Context, population []*types.Candidate, params Params, objective string) []*types.Candidate {
	size := params.PopulationSize
	if size < 1 {
		size = len(population)
	}

	sortByFitness(population)
	next := make([]*types.Candidate, 0, size)

	elites := params.ElitismCount
	if elites > len(population) {
		elites = len(population)
	}
	next = append(next, population[:elites]...)

	for len(next) < size {
		parent := e.tournament(population, params.TournamentSize)
		child := parent

		if e.chance(params.CrossoverRate) {
			other := e.tournament(population, params.TournamentSize)
			if other.ID != parent.ID {
				child = e.crossover(parent, other)
			}
		}
		if e.mutator != nil && e.chance(params.MutationRate) {
			child = e.mutator.MutateOffspring(ctx, child, objective)
		}
		if child == parent {
			child = clone(parent)
		}
		next = append(next, child)
	}
	return next
}

// tournament samples k distinct candidates uniformly and returns the
// fittest. Ties go to the lower generation, then the lexically smaller id,
// so repeated runs over equal fitness are stable.
func (e *Engine) tournament(population []*types.Candidate, k int) *types.Candidate {
	if k < 1 {
		k = 1
	}
	if k > len(population) {
		k = len(population)
	}

	e.rngMu.Lock()
	order := e.rng.Perm(len(population))
	e.rngMu.Unlock()

	best := population[order[0]]
	for _, idx := range order[1:k] {
		if pick := population[idx]; fitter(pick, best) {
			best = pick
		}
	}
	return best
}

// crossover splices the first half of a with the second half of b. The
// child inherits both lineages and the higher generation + 1.
func (e *Engine) crossover(a, b *types.Candidate) *types.Candidate {
	aLines := strings.Split(a.Source, "\n")
	bLines := strings.Split(b.Source, "\n")

	merged := append(append([]string{}, aLines[:len(aLines)/2]...), bLines[len(bLines)/2:]...)

	gen := a.Generation
	if b.Generation > gen {
		gen = b.Generation
	}

	return &types.Candidate{
		ID:         uuid.New().String(),
		ModuleID:   a.ModuleID,
		Source:     strings.Join(merged, "\n"),
		Lineage:    []string{a.ID, b.ID},
		Generation: gen + 1,
		CreatedAt:  a.CreatedAt,
	}
}

func (e *Engine) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < p
}

// fitter reports whether a outranks b: higher fitness, then lower
// generation, then smaller id.
func fitter(a, b *types.Candidate) bool {
	af, bf := a.FitnessOr(types.MinFitness), b.FitnessOr(types.MinFitness)
	if af != bf {
		return af > bf
	}
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.ID < b.ID
}

func sortByFitness(population []*types.Candidate) {
	sort.SliceStable(population, func(i, j int) bool { return fitter(population[i], population[j]) })
}

// pickWinner returns the fittest candidate whose evaluation passed.
func pickWinner(population []*types.Candidate, results map[string]*types.EvaluationResult) *types.Candidate {
	var winner *types.Candidate
	for _, c := range population {
		r, ok := results[c.ID]
		if !ok || !r.Passed {
			continue
		}
		if winner == nil || fitter(c, winner) {
			winner = c
		}
	}
	return winner
}

func collectResults(results map[string]*types.EvaluationResult) []*types.EvaluationResult {
	out := make([]*types.EvaluationResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out
}

func collectCandidates(seen map[string]*types.Candidate) []*types.Candidate {
	out := make([]*types.Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(c *types.Candidate) *types.Candidate {
	dup := *c
	dup.ID = uuid.New().String()
	dup.Lineage = []string{c.ID}
	dup.Fitness = nil
	return &dup
}
