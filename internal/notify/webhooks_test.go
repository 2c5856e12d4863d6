package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"phylopack/internal/config"
	"phylopack/internal/domain"
)

type received struct {
	header http.Header
	body   webhookEvent
}

func newHookServer(t *testing.T, status int) (*httptest.Server, *[]received, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: evt})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

var run = domain.Run{ID: "run-1", Status: domain.RunFailed}

var events = []domain.Event{
	{ID: 1, Type: "run.started", RunID: "run-1", Payload: `{"seed":42}`},
	{ID: 2, Type: "run.state", RunID: "run-1", State: "PARTITION", Payload: `{}`},
	{ID: 3, Type: "run.failed", RunID: "run-1", State: "FAILED", Payload: `not json`},
}

func TestDeliverFiltersAndSetsHeaders(t *testing.T) {
	srv, got, mu := newHookServer(t, http.StatusNoContent)
	d := New([]config.Webhook{{URL: srv.URL, Secret: "s3cret", Events: []string{"run.failed", " "}}})
	if err := d.Deliver(context.Background(), run, events); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(*got))
	}
	r := (*got)[0]
	if r.header.Get("X-Phylopack-Event") != "run.failed" || r.header.Get("X-Phylopack-Delivery") != "3" {
		t.Fatalf("unexpected headers: %v", r.header)
	}
	if r.header.Get("X-Phylopack-Secret") != "s3cret" || r.header.Get("X-Phylopack-Run") != "run-1" {
		t.Fatalf("missing secret or run header: %v", r.header)
	}
	if r.body.PayloadRaw != "not json" || r.body.Status != domain.RunFailed {
		t.Fatalf("unexpected body: %+v", r.body)
	}
}

func TestDeliverAllEventsWithoutFilter(t *testing.T) {
	srv, got, mu := newHookServer(t, http.StatusOK)
	d := New([]config.Webhook{{URL: srv.URL}})
	if err := d.Deliver(context.Background(), run, events); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(*got))
	}
	if string((*got)[0].body.Payload) != `{"seed":42}` {
		t.Fatalf("payload not passed through: %s", (*got)[0].body.Payload)
	}
}

func TestDeliverStopsHookOnFailure(t *testing.T) {
	bad, badGot, badMu := newHookServer(t, http.StatusInternalServerError)
	good, goodGot, goodMu := newHookServer(t, http.StatusOK)
	d := New([]config.Webhook{{URL: bad.URL}, {URL: good.URL, TimeoutSeconds: 2}})
	if err := d.Deliver(context.Background(), run, events); err == nil {
		t.Fatalf("expected delivery error")
	}
	badMu.Lock()
	if len(*badGot) != 1 {
		t.Fatalf("failing hook should stop after first event, got %d", len(*badGot))
	}
	badMu.Unlock()
	goodMu.Lock()
	if len(*goodGot) != 3 {
		t.Fatalf("healthy hook should get all events, got %d", len(*goodGot))
	}
	goodMu.Unlock()
}

func TestDisabledDispatcher(t *testing.T) {
	var d *Dispatcher
	if d.Enabled() {
		t.Fatalf("nil dispatcher enabled")
	}
	if err := d.Deliver(context.Background(), run, events); err != nil {
		t.Fatalf("nil dispatcher deliver: %v", err)
	}
}
