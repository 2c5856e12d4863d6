package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"phylopack/internal/db"
	"phylopack/internal/fault"
	"phylopack/internal/history"
	"phylopack/internal/migrate"
	"phylopack/internal/partition"
	"phylopack/internal/pipeline"
	"phylopack/internal/repo"
	"phylopack/internal/stats"
	phylopacksdk "phylopack/sdk/go"
)

type testServer struct {
	URL    string
	Client *phylopacksdk.Client
	close  func()
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedRuns(t, history.New(conn, nil))

	handler, err := New(Config{Repo: repo.Repo{DB: conn}, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Client: phylopacksdk.New("http://" + ln.Addr().String()),
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

// seedRuns records three runs: run-1 succeeded, run-2 failed, run-3 still running.
func seedRuns(t *testing.T, rec *history.Recorder) {
	t.Helper()
	ctx := context.Background()
	rec.Now = func() time.Time { return time.Date(2025, 4, 1, 15, 0, 0, 0, time.UTC) }
	start := func(id string, hour int) {
		info := pipeline.RunInfo{
			ID: id,
			Config: pipeline.PreorderConfig{
				Input:     "/data/genomes.txt",
				Output:    "/out/" + id + ".txt",
				Partition: partition.Options{Policy: partition.Random, CutPoint: 0.2},
			},
			Seed:      int64(hour),
			Workspace: "/tmp/" + id,
			StartedAt: time.Date(2025, 4, 1, hour, 0, 0, 0, time.UTC),
		}
		if err := rec.Start(ctx, info); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	start("run-1", 10)
	for _, s := range []pipeline.State{pipeline.StatePartition, pipeline.StateBuildTree} {
		if err := rec.Transition(ctx, "run-1", s, nil); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	st := stats.New()
	st.Set("reference_count", 2)
	report := pipeline.Report{RunID: "run-1", State: pipeline.StateCleanup, Target: 2, Keys: 10,
		Stages: []stats.Stage{{Name: "split", Stats: st}}}
	if err := rec.Finish(ctx, "run-1", report, nil); err != nil {
		t.Fatalf("finish run-1: %v", err)
	}

	start("run-2", 11)
	runErr := fault.Integrity("resolve leaves", []string{"GCF_9"}, "leaves not found in input list")
	if err := rec.Finish(ctx, "run-2", pipeline.Report{RunID: "run-2", State: pipeline.StateFailed, Retained: true}, runErr); err != nil {
		t.Fatalf("finish run-2: %v", err)
	}

	start("run-3", 12)
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *phylopacksdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	status, err := srv.Client.Health(context.Background())
	if err != nil || status != "ok" {
		t.Fatalf("health: %q %v", status, err)
	}
}

func TestListRunsPagesNewestFirst(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	page, err := srv.Client.ListRuns(ctx, phylopacksdk.RunQuery{Limit: 2})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "run-3" || page.Items[1].ID != "run-2" {
		t.Fatalf("unexpected first page: %+v", page.Items)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}
	rest, err := srv.Client.ListRuns(ctx, phylopacksdk.RunQuery{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest.Items) != 1 || rest.Items[0].ID != "run-1" || rest.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestListRunsByStatus(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	page, err := srv.Client.ListRuns(context.Background(), phylopacksdk.RunQuery{Status: "failed"})
	if err != nil {
		t.Fatalf("list failed runs: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one failed run, got %d", len(page.Items))
	}
	run := page.Items[0]
	if run.ID != "run-2" || run.ErrorKind != "integrity_violation" || !run.Retained || run.State != "FAILED" {
		t.Fatalf("unexpected failed run: %+v", run)
	}
	if len(run.ErrorKeys) != 1 || run.ErrorKeys[0] != "GCF_9" {
		t.Fatalf("unexpected error keys: %v", run.ErrorKeys)
	}
}

func TestListRunsRejectsBadCursor(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	_, err := srv.Client.ListRuns(context.Background(), phylopacksdk.RunQuery{Cursor: "no-separator"})
	if got := apiStatus(t, err); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
}

func TestGetRun(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	run, err := srv.Client.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != "succeeded" || run.State != "CLEANUP" || run.Target == nil || *run.Target != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, ok := run.Stats["split"]; !ok {
		t.Fatalf("missing split stats: %+v", run.Stats)
	}

	_, err = srv.Client.GetRun(ctx, "nope")
	if got := apiStatus(t, err); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
	if !strings.Contains(err.Error(), `"not_found"`) {
		t.Fatalf("expected error envelope, got %v", err)
	}
}

func TestRunEventsPaging(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	page, err := srv.Client.RunEvents(ctx, "run-1", 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Type != "run.started" || page.Items[1].State != "PARTITION" {
		t.Fatalf("unexpected first events: %+v", page.Items)
	}
	if page.Items[0].Payload["input"] != "/data/genomes.txt" {
		t.Fatalf("payload not decoded: %+v", page.Items[0].Payload)
	}
	rest, err := srv.Client.RunEvents(ctx, "run-1", 2, page.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(rest.Items) != 2 || rest.Items[1].Type != "run.succeeded" || rest.NextCursor != "" {
		t.Fatalf("unexpected second events page: %+v", rest)
	}

	_, err = srv.Client.RunEvents(ctx, "nope", 0, "")
	if got := apiStatus(t, err); got != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", got)
	}
	_, err = srv.Client.RunEvents(ctx, "run-1", 0, "abc")
	if got := apiStatus(t, err); got != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", got)
	}
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	ctx := context.Background()

	if _, err := srv.Client.Health(ctx); err != nil {
		t.Fatalf("health should skip auth: %v", err)
	}
	_, err := srv.Client.ListRuns(ctx, phylopacksdk.RunQuery{})
	if got := apiStatus(t, err); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", got)
	}

	forged, err := IssueToken("other-secret", "ci", nil)
	if err != nil {
		t.Fatalf("issue forged token: %v", err)
	}
	srv.Client.BearerToken = forged
	_, err = srv.Client.GetRun(ctx, "run-1")
	if got := apiStatus(t, err); got != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong signature, got %d", got)
	}

	token, err := IssueToken(secret, "ci", []string{"runs.read"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	srv.Client.BearerToken = token
	if _, err := srv.Client.GetRun(ctx, "run-1"); err != nil {
		t.Fatalf("authorized get run: %v", err)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s"})
	res, err := http.Get(srv.URL + "/v0/openapi.json")
	if err != nil {
		t.Fatalf("get openapi: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, body)
	}
	for _, want := range []string{"/v0/runs/{run_id}/events", "bearerAuth"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("openapi document missing %q", want)
		}
	}
}
