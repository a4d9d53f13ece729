// Package types provides the shared data model used across Promethean
// packages to avoid import cycles between the store, the evolutionary
// engine, and the core loop.
package types

import "time"

// MinFitness is the sentinel fitness assigned to candidates whose
// evaluation failed. It keeps the fitness ordering total so tournament
// selection and elitism never compare against an absent score.
const MinFitness = -1.0

// ModuleRecord identifies one mutable unit of the system. Mutation always
// produces a new version; history is never edited in place.
type ModuleRecord struct {
	ModuleID  string    `json:"module_id"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Protected bool      `json:"protected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is a proposed replacement for one module's source. Immutable
// once created; Fitness is nil until an evaluation completes.
type Candidate struct {
	ID           string    `json:"id"`
	ModuleID     string    `json:"module_id"`
	Source       string    `json:"source"`
	Lineage      []string  `json:"lineage,omitempty"` // parent candidate ids
	Generation   int       `json:"generation"`
	OriginPrompt string    `json:"origin_prompt,omitempty"`
	Fitness      *float64  `json:"fitness,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Scored reports whether the candidate has a fitness value.
func (c *Candidate) Scored() bool { return c.Fitness != nil }

// FitnessOr returns the candidate's fitness, or def when unscored.
func (c *Candidate) FitnessOr(def float64) float64 {
	if c.Fitness == nil {
		return def
	}
	return *c.Fitness
}

// EvaluationResult is the output of one sandbox run plus fitness scoring
// for one candidate. Never mutated after the evaluator completes it.
type EvaluationResult struct {
	CandidateID string             `json:"candidate_id"`
	Passed      bool               `json:"passed"`
	Metrics     map[string]float64 `json:"metrics"`
	JudgeScore  *float64           `json:"judge_score,omitempty"`
	Fitness     float64            `json:"fitness"`
	Vector      ScoreVector        `json:"vector"`
	Diagnostics string             `json:"diagnostics,omitempty"`
	ElapsedMs   int64              `json:"elapsed_ms"`
}

// ScoreVector is the geometric state vector scored 0-10 per dimension.
type ScoreVector struct {
	Performance float64 `json:"performance"`
	Clarity     float64 `json:"clarity"`
	Brevity     float64 `json:"brevity"`
	Safety      float64 `json:"safety"`
	Novelty     float64 `json:"novelty"`
}

// RunOutcome classifies how one core loop iteration ended.
type RunOutcome string

const (
	OutcomeCommitted    RunOutcome = "committed"
	OutcomeGateRejected RunOutcome = "rejected_by_gate"
	OutcomeEvalRejected RunOutcome = "rejected_by_evaluation"
	OutcomeError        RunOutcome = "error"
)

// RunRecord is the append-only audit trail of one core loop iteration.
type RunRecord struct {
	ID             string     `json:"id"`
	TargetModuleID string     `json:"target_module_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	Outcome        RunOutcome `json:"outcome"`
	WinnerID       string     `json:"winning_candidate_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}
