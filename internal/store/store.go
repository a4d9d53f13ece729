// Package store persists the orchestrator's durable state in SQLite: the
// versioned module registry, the append-only run history, and the candidate
// archive. The core loop is the only writer of module state; commits use
// optimistic concurrency so a stale writer loses instead of clobbering.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/promethean-dev/promethean/internal/types"
)

var (
	// ErrNotFound reports a missing module or candidate.
	ErrNotFound = errors.New("store: not found")
	// ErrCommitConflict reports that the target module's version moved
	// between GATE approval and commit.
	ErrCommitConflict = errors.New("store: commit conflict")
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the store at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for concurrent readers during the commit transaction.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			module_id  TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			version    INTEGER NOT NULL,
			protected  INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS module_history (
			module_id    TEXT NOT NULL,
			version      INTEGER NOT NULL,
			source       TEXT NOT NULL,
			committed_at TEXT NOT NULL,
			PRIMARY KEY (module_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			module_id   TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			winner_id   TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_module ON runs(module_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id            TEXT PRIMARY KEY,
			module_id     TEXT NOT NULL,
			source        TEXT NOT NULL,
			lineage       TEXT NOT NULL DEFAULT '[]',
			generation    INTEGER NOT NULL,
			origin_prompt TEXT NOT NULL DEFAULT '',
			fitness       REAL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_module ON candidates(module_id, fitness)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			candidate_id TEXT PRIMARY KEY REFERENCES candidates(id),
			passed       INTEGER NOT NULL,
			metrics      TEXT NOT NULL DEFAULT '{}',
			judge_score  REAL,
			fitness      REAL NOT NULL,
			vector       TEXT NOT NULL DEFAULT '{}',
			diagnostics  TEXT NOT NULL DEFAULT '',
			elapsed_ms   INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// ---- modules ----

// RegisterModule inserts a module if absent. Existing modules keep their
// source and version; only the protected flag follows the registry.
func (s *Store) RegisterModule(ctx context.Context, m *types.ModuleRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modules SET protected = ? WHERE module_id = ?`,
		boolInt(m.Protected), m.ModuleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO modules(module_id, source, version, protected, updated_at) VALUES(?, ?, ?, ?, ?)`,
		m.ModuleID, m.Source, m.Version, boolInt(m.Protected), formatTime(m.UpdatedAt))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO module_history(module_id, version, source, committed_at) VALUES(?, ?, ?, ?)`,
		m.ModuleID, m.Version, m.Source, formatTime(m.UpdatedAt))
	return err
}

// GetModule fetches one module by id.
func (s *Store) GetModule(ctx context.Context, moduleID string) (*types.ModuleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT module_id, source, version, protected, updated_at FROM modules WHERE module_id = ?`, moduleID)
	return scanModule(row)
}

// ListModules returns every registered module ordered by id.
func (s *Store) ListModules(ctx context.Context) ([]*types.ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, source, version, protected, updated_at FROM modules ORDER BY module_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.ModuleRecord
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CommitModule replaces the module's source under a version check inside a
// transaction. expectedVersion is the version observed at GATE approval; a
// moved version returns ErrCommitConflict and writes nothing.
func (s *Store) CommitModule(ctx context.Context, moduleID, newSource string, expectedVersion int) (*types.ModuleRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM modules WHERE module_id = ?`, moduleID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: module %s", ErrNotFound, moduleID)
	}
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		s.logger.Warn("commit conflict",
			"module", moduleID,
			"expected_version", expectedVersion,
			"current_version", current,
		)
		return nil, fmt.Errorf("%w: module %s expected v%d, found v%d",
			ErrCommitConflict, moduleID, expectedVersion, current)
	}

	now := time.Now().UTC()
	next := current + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE modules SET source = ?, version = ?, updated_at = ? WHERE module_id = ?`,
		newSource, next, formatTime(now), moduleID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO module_history(module_id, version, source, committed_at) VALUES(?, ?, ?, ?)`,
		moduleID, next, newSource, formatTime(now)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("module committed", "module", moduleID, "version", next)
	return s.GetModule(ctx, moduleID)
}

// ModuleVersion fetches one historical version of a module.
func (s *Store) ModuleVersion(ctx context.Context, moduleID string, version int) (*types.ModuleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT module_id, source, version, 0, committed_at FROM module_history WHERE module_id = ? AND version = ?`,
		moduleID, version)
	m, err := scanModule(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ---- runs ----

// AppendRun records one loop iteration. Run history is append-only.
func (s *Store) AppendRun(ctx context.Context, r *types.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, module_id, started_at, finished_at, outcome, winner_id, reason)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TargetModuleID, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		string(r.Outcome), r.WinnerID, r.Reason)
	return err
}

// RunsByModule returns runs for one module inside [since, until), newest
// first. Zero bounds are open.
func (s *Store) RunsByModule(ctx context.Context, moduleID string, since, until time.Time) ([]*types.RunRecord, error) {
	query := `SELECT id, module_id, started_at, finished_at, outcome, winner_id, reason FROM runs WHERE module_id = ?`
	args := []any{moduleID}
	if !since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(since))
	}
	if !until.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, formatTime(until))
	}
	query += ` ORDER BY started_at DESC`

	return s.queryRuns(ctx, query, args...)
}

// RecentRuns returns the latest n runs across all modules.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]*types.RunRecord, error) {
	return s.queryRuns(ctx,
		`SELECT id, module_id, started_at, finished_at, outcome, winner_id, reason
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
}

// LastFailures returns, per module, the finish time of its most recent
// non-committed run since the cutoff. SELECT_TARGET uses it to bias away
// from modules that just failed.
func (s *Store) LastFailures(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module_id, MAX(finished_at) FROM runs
		 WHERE outcome != ? AND finished_at >= ?
		 GROUP BY module_id`,
		string(types.OutcomeCommitted), formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*types.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*types.RunRecord
	for rows.Next() {
		var r types.RunRecord
		var started, finished, outcome string
		if err := rows.Scan(&r.ID, &r.TargetModuleID, &started, &finished, &outcome, &r.WinnerID, &r.Reason); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		r.Outcome = types.RunOutcome(outcome)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---- candidate archive ----

// ArchivedCandidate pairs a candidate with its evaluation, when one exists.
type ArchivedCandidate struct {
	Candidate  types.Candidate
	Evaluation *types.EvaluationResult
}

// ArchiveCandidate stores a candidate and its evaluation. Safe to call for
// the same candidate twice; the archive keeps the latest evaluation.
func (s *Store) ArchiveCandidate(ctx context.Context, c *types.Candidate, result *types.EvaluationResult) error {
	lineage, err := json.Marshal(c.Lineage)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var fitness any
	if c.Fitness != nil {
		fitness = *c.Fitness
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO candidates(id, module_id, source, lineage, generation, origin_prompt, fitness, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fitness = excluded.fitness`,
		c.ID, c.ModuleID, c.Source, string(lineage), c.Generation, c.OriginPrompt, fitness, formatTime(c.CreatedAt)); err != nil {
		return err
	}

	if result != nil {
		metrics, err := json.Marshal(result.Metrics)
		if err != nil {
			return err
		}
		vector, err := json.Marshal(result.Vector)
		if err != nil {
			return err
		}
		var judge any
		if result.JudgeScore != nil {
			judge = *result.JudgeScore
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evaluations(candidate_id, passed, metrics, judge_score, fitness, vector, diagnostics, elapsed_ms)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(candidate_id) DO UPDATE SET
				passed = excluded.passed, metrics = excluded.metrics,
				judge_score = excluded.judge_score, fitness = excluded.fitness,
				vector = excluded.vector, diagnostics = excluded.diagnostics,
				elapsed_ms = excluded.elapsed_ms`,
			c.ID, boolInt(result.Passed), string(metrics), judge, result.Fitness,
			string(vector), result.Diagnostics, result.ElapsedMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ArchivedCandidates returns a module's archived candidates with fitness at
// or above minFitness, best first.
func (s *Store) ArchivedCandidates(ctx context.Context, moduleID string, minFitness float64, limit int) ([]*ArchivedCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.module_id, c.source, c.lineage, c.generation, c.origin_prompt, c.fitness, c.created_at,
			e.passed, e.metrics, e.judge_score, e.fitness, e.vector, e.diagnostics, e.elapsed_ms
		 FROM candidates c
		 LEFT JOIN evaluations e ON e.candidate_id = c.id
		 WHERE c.module_id = ? AND c.fitness IS NOT NULL AND c.fitness >= ?
		 ORDER BY c.fitness DESC, c.id ASC
		 LIMIT ?`,
		moduleID, minFitness, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*ArchivedCandidate
	for rows.Next() {
		var (
			ac        ArchivedCandidate
			lineage   string
			created   string
			fitness   sql.NullFloat64
			passed    sql.NullInt64
			metrics   sql.NullString
			judge     sql.NullFloat64
			evFitness sql.NullFloat64
			vector    sql.NullString
			diags     sql.NullString
			elapsed   sql.NullInt64
		)
		if err := rows.Scan(&ac.Candidate.ID, &ac.Candidate.ModuleID, &ac.Candidate.Source,
			&lineage, &ac.Candidate.Generation, &ac.Candidate.OriginPrompt, &fitness, &created,
			&passed, &metrics, &judge, &evFitness, &vector, &diags, &elapsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lineage), &ac.Candidate.Lineage); err != nil {
			return nil, err
		}
		if ac.Candidate.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if fitness.Valid {
			f := fitness.Float64
			ac.Candidate.Fitness = &f
		}
		if passed.Valid {
			ev := &types.EvaluationResult{
				CandidateID: ac.Candidate.ID,
				Passed:      passed.Int64 != 0,
				Fitness:     evFitness.Float64,
				Diagnostics: diags.String,
				ElapsedMs:   elapsed.Int64,
			}
			if metrics.Valid {
				if err := json.Unmarshal([]byte(metrics.String), &ev.Metrics); err != nil {
					return nil, err
				}
			}
			if vector.Valid {
				if err := json.Unmarshal([]byte(vector.String), &ev.Vector); err != nil {
					return nil, err
				}
			}
			if judge.Valid {
				j := judge.Float64
				ev.JudgeScore = &j
			}
			ac.Evaluation = ev
		}
		out = append(out, &ac)
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModule(row rowScanner) (*types.ModuleRecord, error) {
	var m types.ModuleRecord
	var protected int
	var updated string
	err := row.Scan(&m.ModuleID, &m.Source, &m.Version, &protected, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Protected = protected != 0
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
