package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/promethean-dev/promethean/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "promethean.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerPlanner(t *testing.T, s *Store) *types.ModuleRecord {
	t.Helper()
	m := &types.ModuleRecord{
		ModuleID:  "planner",
		Source:    "def plan():\n    return []\n",
		Version:   1,
		UpdatedAt: time.Now(),
	}
	if err := s.RegisterModule(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRegisterAndGetModule(t *testing.T) {
	s := openTestStore(t)
	registerPlanner(t, s)

	got, err := s.GetModule(context.Background(), "planner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if got.Source == "" {
		t.Error("source missing")
	}
}

func TestRegisterExistingKeepsSource(t *testing.T) {
	s := openTestStore(t)
	registerPlanner(t, s)

	// Re-register with different source and the protected flag set; only
	// the flag may change.
	err := s.RegisterModule(context.Background(), &types.ModuleRecord{
		ModuleID: "planner", Source: "overwritten", Version: 99, Protected: true, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetModule(context.Background(), "planner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Source == "overwritten" || got.Version == 99 {
		t.Error("re-registration must not clobber live source or version")
	}
	if !got.Protected {
		t.Error("protected flag must follow the registry")
	}
}

func TestGetMissingModule(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetModule(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitModuleBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	registerPlanner(t, s)

	updated, err := s.CommitModule(context.Background(), "planner", "def plan():\n    return [1]\n", 1)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if updated.Source != "def plan():\n    return [1]\n" {
		t.Error("source not updated")
	}
}

func TestCommitConflict(t *testing.T) {
	s := openTestStore(t)
	registerPlanner(t, s)

	if _, err := s.CommitModule(context.Background(), "planner", "v2", 1); err != nil {
		t.Fatal(err)
	}

	// Second commit still expects version 1; the version moved to 2.
	_, err := s.CommitModule(context.Background(), "planner", "stale", 1)
	if !errors.Is(err, ErrCommitConflict) {
		t.Fatalf("expected ErrCommitConflict, got %v", err)
	}

	got, err := s.GetModule(context.Background(), "planner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != "v2" {
		t.Error("conflicting commit must write nothing")
	}
}

func TestCommitMissingModule(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CommitModule(context.Background(), "ghost", "x", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestModuleHistoryKeepsVersions(t *testing.T) {
	s := openTestStore(t)
	registerPlanner(t, s)

	if _, err := s.CommitModule(context.Background(), "planner", "v2 source", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitModule(context.Background(), "planner", "v3 source", 2); err != nil {
		t.Fatal(err)
	}

	v1, err := s.ModuleVersion(context.Background(), "planner", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Source != "def plan():\n    return []\n" {
		t.Errorf("v1 source lost: %q", v1.Source)
	}
	v2, err := s.ModuleVersion(context.Background(), "planner", 2)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Source != "v2 source" {
		t.Errorf("v2 source lost: %q", v2.Source)
	}
}

func TestRunHistoryQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runs := []*types.RunRecord{
		{ID: "r1", TargetModuleID: "planner", StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: types.OutcomeCommitted, WinnerID: "c1"},
		{ID: "r2", TargetModuleID: "planner", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(61 * time.Minute), Outcome: types.OutcomeGateRejected, Reason: "protected"},
		{ID: "r3", TargetModuleID: "memory", StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(121 * time.Minute), Outcome: types.OutcomeEvalRejected},
	}
	for _, r := range runs {
		if err := s.AppendRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	planner, err := s.RunsByModule(ctx, "planner", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(planner) != 2 {
		t.Fatalf("expected 2 planner runs, got %d", len(planner))
	}
	if planner[0].ID != "r2" {
		t.Errorf("expected newest first, got %s", planner[0].ID)
	}

	windowed, err := s.RunsByModule(ctx, "planner", base.Add(30*time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 || windowed[0].ID != "r2" {
		t.Errorf("time window query wrong: %+v", windowed)
	}

	recent, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "r3" {
		t.Errorf("recent runs wrong: %+v", recent)
	}
}

func TestLastFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, r := range []*types.RunRecord{
		{ID: "r1", TargetModuleID: "planner", StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: types.OutcomeError},
		{ID: "r2", TargetModuleID: "memory", StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: types.OutcomeCommitted},
		{ID: "r3", TargetModuleID: "planner", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(61 * time.Minute), Outcome: types.OutcomeGateRejected},
	} {
		if err := s.AppendRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	failures, err := s.LastFailures(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := failures["memory"]; ok {
		t.Error("committed run must not count as failure")
	}
	last, ok := failures["planner"]
	if !ok {
		t.Fatal("expected planner failure")
	}
	if !last.Equal(base.Add(61 * time.Minute)) {
		t.Errorf("expected latest failure time, got %v", last)
	}
}

func TestArchiveAndQueryCandidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, fit := range []float64{3.0, 8.5, 6.0} {
		f := fit
		c := &types.Candidate{
			ID:         string(rune('a'+i)) + "-cand",
			ModuleID:   "planner",
			Source:     "src",
			Lineage:    []string{"parent-1"},
			Generation: i,
			Fitness:    &f,
			CreatedAt:  time.Now(),
		}
		js := fit / 2
		ev := &types.EvaluationResult{
			CandidateID: c.ID,
			Passed:      true,
			Metrics:     map[string]float64{"pass_rate": 1},
			JudgeScore:  &js,
			Fitness:     fit,
			Vector:      types.ScoreVector{Performance: fit},
			ElapsedMs:   10,
		}
		if err := s.ArchiveCandidate(ctx, c, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ArchivedCandidates(ctx, "planner", 5.0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates above 5.0, got %d", len(got))
	}
	if got[0].Candidate.FitnessOr(0) != 8.5 {
		t.Errorf("expected best first, got %f", got[0].Candidate.FitnessOr(0))
	}
	if got[0].Evaluation == nil || !got[0].Evaluation.Passed {
		t.Error("evaluation must be joined in")
	}
	if got[0].Evaluation.Vector.Performance != 8.5 {
		t.Errorf("vector lost: %+v", got[0].Evaluation.Vector)
	}
	if len(got[0].Candidate.Lineage) != 1 || got[0].Candidate.Lineage[0] != "parent-1" {
		t.Errorf("lineage lost: %v", got[0].Candidate.Lineage)
	}
}

func TestArchiveCandidateIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := 2.0
	c := &types.Candidate{ID: "c1", ModuleID: "planner", Source: "s", Fitness: &f, CreatedAt: time.Now()}
	if err := s.ArchiveCandidate(ctx, c, &types.EvaluationResult{CandidateID: "c1", Passed: false, Fitness: 2.0}); err != nil {
		t.Fatal(err)
	}

	f2 := 4.0
	c.Fitness = &f2
	if err := s.ArchiveCandidate(ctx, c, &types.EvaluationResult{CandidateID: "c1", Passed: true, Fitness: 4.0}); err != nil {
		t.Fatalf("re-archiving must not fail: %v", err)
	}

	got, err := s.ArchivedCandidates(ctx, "planner", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if !got[0].Evaluation.Passed || got[0].Candidate.FitnessOr(0) != 4.0 {
		t.Error("archive must keep the latest evaluation")
	}
}

func TestOpenBadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "sub", "db.sqlite"), testLogger()); err == nil {
		t.Skip("driver created intermediate path; acceptable")
	}
}
