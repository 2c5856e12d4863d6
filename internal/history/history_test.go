package history_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"phylopack/internal/config"
	"phylopack/internal/db"
	"phylopack/internal/domain"
	"phylopack/internal/events"
	"phylopack/internal/fault"
	"phylopack/internal/history"
	"phylopack/internal/migrate"
	"phylopack/internal/notify"
	"phylopack/internal/partition"
	"phylopack/internal/pipeline"
	"phylopack/internal/repo"
	"phylopack/internal/stats"
)

type testEnv struct {
	Recorder *history.Recorder
	Repo     repo.Repo
	Ctx      context.Context
}

func newTestEnv(t *testing.T, n *notify.Dispatcher) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := history.New(conn, n)
	rec.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Recorder: rec, Repo: repo.Repo{DB: conn}, Ctx: ctx}
}

func startRun(t *testing.T, env testEnv, id string) {
	t.Helper()
	info := pipeline.RunInfo{
		ID: id,
		Config: pipeline.PreorderConfig{
			Input:     "/data/genomes.txt",
			Output:    "/out/order.txt",
			Partition: partition.Options{Policy: partition.Random, CutPoint: 0.3},
		},
		Seed:      42,
		Workspace: "/tmp/phylopack-1",
		StartedAt: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := env.Recorder.Start(env.Ctx, info); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestSuccessfulRunLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	startRun(t, env, "run-1")
	for _, s := range []pipeline.State{pipeline.StatePartition, pipeline.StateBuildTree, pipeline.StatePlace, pipeline.StateFinalize, pipeline.StateCleanup} {
		if err := env.Recorder.Transition(env.Ctx, "run-1", s, nil); err != nil {
			t.Fatalf("transition %s: %v", s, err)
		}
	}
	st := stats.New()
	st.Set("seed", 42)
	report := pipeline.Report{RunID: "run-1", State: pipeline.StateCleanup, Target: 3, Output: "/out/order.txt", Keys: 10,
		Stages: []stats.Stage{{Name: "split", Stats: st}}}
	if err := env.Recorder.Finish(env.Ctx, "run-1", report, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}

	run, err := env.Repo.GetRun(env.Ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunSucceeded || run.State != "CLEANUP" || run.Seed != 42 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Target == nil || *run.Target != 3 || run.FinishedAt == nil || *run.FinishedAt != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected terminal fields: %+v", run)
	}
	var stages map[string]stats.Stats
	if err := json.Unmarshal([]byte(run.StatsJSON), &stages); err != nil {
		t.Fatalf("decode stats json: %v", err)
	}
	if _, ok := stages["split"]; !ok {
		t.Fatalf("missing split stats: %s", run.StatsJSON)
	}

	evts, err := env.Repo.ListEvents(env.Ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 7 {
		t.Fatalf("expected 7 events, got %d", len(evts))
	}
	if evts[0].Type != events.RunStarted || evts[1].State != "PARTITION" || evts[6].Type != events.RunSucceeded {
		t.Fatalf("unexpected events: %+v", evts)
	}
	// cursor skips what was already seen
	tail, err := env.Repo.ListEvents(env.Ctx, "run-1", evts[4].ID, 0)
	if err != nil || len(tail) != 2 {
		t.Fatalf("cursor listing: %v %d", err, len(tail))
	}
}

func TestFailedRunKeepsErrorKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	startRun(t, env, "run-2")
	runErr := fault.Integrity("resolve leaves", []string{"GCF_X"}, "leaves not found in input list")
	report := pipeline.Report{RunID: "run-2", State: pipeline.StateFailed, Retained: true}
	if err := env.Recorder.Finish(env.Ctx, "run-2", report, runErr); err != nil {
		t.Fatalf("finish: %v", err)
	}
	run, err := env.Repo.GetRun(env.Ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed || run.ErrorKind != "integrity_violation" || !run.Retained {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.ErrorKeys) != 1 || run.ErrorKeys[0] != "GCF_X" {
		t.Fatalf("unexpected error keys: %v", run.ErrorKeys)
	}
	failed, err := env.Repo.ListRuns(env.Ctx, repo.RunFilters{Status: domain.RunFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("list failed runs: %v %d", err, len(failed))
	}
}

func TestTransitionUnknownRun(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.Recorder.Transition(env.Ctx, "missing", pipeline.StatePlace, nil); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	if _, err := env.Repo.GetRun(env.Ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishNotifiesWebhooks(t *testing.T) {
	var mu sync.Mutex
	var types []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get("X-Phylopack-Event"))
		mu.Unlock()
	}))
	defer srv.Close()

	env := newTestEnv(t, notify.New([]config.Webhook{{URL: srv.URL, Events: []string{events.RunStarted, events.RunSucceeded}}}))
	startRun(t, env, "run-3")
	if err := env.Recorder.Finish(env.Ctx, "run-3", pipeline.Report{State: pipeline.StateCleanup}, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != events.RunStarted || types[1] != events.RunSucceeded {
		t.Fatalf("unexpected deliveries: %v", types)
	}
}

func TestListRunsPaging(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, id := range []string{"a", "b", "c"} {
		info := pipeline.RunInfo{
			ID:        id,
			Config:    pipeline.PreorderConfig{Input: "in", Output: "out", Partition: partition.Options{Policy: partition.Custom}},
			StartedAt: time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if err := env.Recorder.Start(env.Ctx, info); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	page, err := env.Repo.ListRuns(env.Ctx, repo.RunFilters{Limit: 2})
	if err != nil || len(page) != 2 || page[0].ID != "c" {
		t.Fatalf("first page: %v %+v", err, page)
	}
	last := page[len(page)-1]
	rest, err := env.Repo.ListRuns(env.Ctx, repo.RunFilters{Limit: 2, CursorStartedAt: last.StartedAt, CursorID: last.ID})
	if err != nil || len(rest) != 1 || rest[0].ID != "a" {
		t.Fatalf("second page: %v %+v", err, rest)
	}
}
