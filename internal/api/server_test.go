package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/promethean-dev/promethean/internal/core"
	"github.com/promethean-dev/promethean/internal/store"
	"github.com/promethean-dev/promethean/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLoop struct {
	status core.Status
	run    *types.RunRecord
	err    error
}

func (f *fakeLoop) Status() core.Status { return f.status }

func (f *fakeLoop) RunOnce(ctx context.Context) (*types.RunRecord, error) {
	return f.run, f.err
}

func newTestServer(t *testing.T, jwtSecret string) (*Server, *store.Store, *fakeLoop) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	loop := &fakeLoop{status: core.Status{Iterations: 3}}
	s := NewServer(0, st, loop, nil, NewHub(testLogger()), jwtSecret, testLogger())
	return s, st, loop
}

func registerPlanner(t *testing.T, st *store.Store) {
	t.Helper()
	err := st.RegisterModule(context.Background(), &types.ModuleRecord{
		ModuleID:  "planner",
		Source:    "def plan():\n    return []\n",
		Version:   1,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	registerPlanner(t, st)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var status map[string]interface{}
	resp := getJSON(t, ts, "/api/status", &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if status["modules"].(float64) != 1 {
		t.Errorf("expected 1 module, got %v", status["modules"])
	}
	loop := status["loop"].(map[string]interface{})
	if loop["iterations"].(float64) != 3 {
		t.Errorf("loop status missing: %v", loop)
	}
}

func TestModulesEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	registerPlanner(t, st)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var modules []types.ModuleRecord
	getJSON(t, ts, "/api/modules", &modules)
	if len(modules) != 1 || modules[0].ModuleID != "planner" {
		t.Fatalf("unexpected modules %+v", modules)
	}

	var module types.ModuleRecord
	resp := getJSON(t, ts, "/api/modules/planner", &module)
	if resp.StatusCode != http.StatusOK || module.Version != 1 {
		t.Errorf("module detail wrong: %d %+v", resp.StatusCode, module)
	}

	if resp := getJSON(t, ts, "/api/modules/ghost", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing module must 404, got %d", resp.StatusCode)
	}
	if resp := getJSON(t, ts, "/api/modules/planner/bogus", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action must 400, got %d", resp.StatusCode)
	}
}

func TestModuleVersionsEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	registerPlanner(t, st)
	if _, err := st.CommitModule(context.Background(), "planner", "v2 source", 1); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var rec types.ModuleRecord
	resp := getJSON(t, ts, "/api/modules/planner/versions/1", &rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if rec.Version != 1 || !strings.Contains(rec.Source, "def plan") {
		t.Errorf("wrong historical version: %+v", rec)
	}

	if resp := getJSON(t, ts, "/api/modules/planner/versions/nope", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad version must 400, got %d", resp.StatusCode)
	}
}

func TestRunsAndCandidatesEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t, "")
	registerPlanner(t, st)

	now := time.Now().UTC()
	err := st.AppendRun(context.Background(), &types.RunRecord{
		ID: "r1", TargetModuleID: "planner", StartedAt: now, FinishedAt: now.Add(time.Minute),
		Outcome: types.OutcomeCommitted, WinnerID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}

	f := 7.5
	err = st.ArchiveCandidate(context.Background(),
		&types.Candidate{ID: "c1", ModuleID: "planner", Source: "src", Fitness: &f, CreatedAt: now},
		&types.EvaluationResult{CandidateID: "c1", Passed: true, Fitness: 7.5})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var runs []types.RunRecord
	getJSON(t, ts, "/api/runs", &runs)
	if len(runs) != 1 || runs[0].Outcome != types.OutcomeCommitted {
		t.Errorf("unexpected runs %+v", runs)
	}

	getJSON(t, ts, "/api/modules/planner/runs", &runs)
	if len(runs) != 1 {
		t.Errorf("module runs wrong: %+v", runs)
	}

	var archived []store.ArchivedCandidate
	getJSON(t, ts, "/api/modules/planner/candidates?min_fitness=5", &archived)
	if len(archived) != 1 {
		t.Fatalf("expected 1 archived candidate, got %d", len(archived))
	}

	getJSON(t, ts, "/api/modules/planner/candidates?min_fitness=9", &archived)
	if len(archived) != 0 {
		t.Errorf("min_fitness filter ignored: %+v", archived)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	s, _, loop := newTestServer(t, "")
	loop.run = &types.RunRecord{ID: "r1", Outcome: types.OutcomeCommitted}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/runs/trigger", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var run types.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.ID != "r1" {
		t.Errorf("trigger must return the run, got %+v", run)
	}

	// GET is not a trigger.
	if resp := getJSON(t, ts, "/api/runs/trigger", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET trigger must 405, got %d", resp.StatusCode)
	}
}

func TestAuthRequiredWithSecret(t *testing.T) {
	s, st, _ := newTestServer(t, "sekrit")
	registerPlanner(t, st)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if resp := getJSON(t, ts, "/api/status", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token must 401, got %d", resp.StatusCode)
	}

	token, err := GenerateToken("operator", "admin", []byte("sekrit"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token must pass, got %d", resp.StatusCode)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := GenerateToken("operator", "admin", []byte("sekrit"), -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(token, []byte("sekrit")); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
	if _, err := ValidateToken(token, []byte("wrong")); err == nil {
		t.Error("wrong secret must fail validation")
	}
}

func TestRunEventWebsocketStream(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the subscription to land before broadcasting.
	deadline := time.After(2 * time.Second)
	for s.hub.Subscribers() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	want := core.RunEvent{
		Run:           &types.RunRecord{ID: "r1", TargetModuleID: "planner", Outcome: types.OutcomeCommitted},
		ModuleVersion: 2,
	}
	s.hub.NotifyRun(context.Background(), want)

	var got core.RunEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Run.ID != "r1" || got.ModuleVersion != 2 {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	s, _, _ := newTestServer(t, "sekrit")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("unauthenticated websocket dial must fail")
	}

	token, err := GenerateToken("operator", "admin", []byte("sekrit"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("authenticated dial failed: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
