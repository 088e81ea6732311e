package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/embrake-AI/fire-sub002/internal/incident"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testEnvelope() incident.DispatchEnvelope {
	return incident.DispatchEnvelope{
		Event:    incident.Event{ID: 7, IncidentID: "inc_1", Type: incident.EventTypeIncidentCreated, Data: json.RawMessage(`{"prompt":"db down"}`)},
		Incident: incident.Projection{ID: "inc_1", Status: incident.StatusOpen},
		Adapter:  "slack",
	}
}

func TestWebhookCreateRunPostsKind(t *testing.T) {
	var mu sync.Mutex
	var received webhookPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type got=%q", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	hook := NewWebhook("primary", server.URL, testLogger())
	if err := hook.CreateRun(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("create run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Kind != kindCreateRun {
		t.Fatalf("kind got=%q want=%q", received.Kind, kindCreateRun)
	}
	if received.CreateRun == nil || received.CreateRun.Incident.ID != "inc_1" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookTeardownCarriesPostmortem(t *testing.T) {
	var mu sync.Mutex
	var received webhookPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhook("primary", server.URL, testLogger())
	envelope := incident.TeardownEnvelope{
		Incident:   incident.Projection{ID: "inc_1", Status: incident.StatusResolved},
		Postmortem: &incident.Postmortem{RootCause: "bad deploy"},
	}
	if err := hook.Teardown(context.Background(), envelope); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Kind != kindTeardown {
		t.Fatalf("kind got=%q want=%q", received.Kind, kindTeardown)
	}
	if received.Teardown == nil || received.Teardown.Postmortem == nil || received.Teardown.Postmortem.RootCause != "bad deploy" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	hook := NewWebhook("primary", server.URL, testLogger())
	err := hook.AppendEvent(context.Background(), testEnvelope())
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("expected status in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream unavailable") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

type countingWorkflow struct {
	mu      sync.Mutex
	creates int
	appends int
	tears   int
	err     error
}

func (c *countingWorkflow) CreateRun(context.Context, incident.DispatchEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	return c.err
}

func (c *countingWorkflow) AppendEvent(context.Context, incident.DispatchEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appends++
	return c.err
}

func (c *countingWorkflow) Teardown(context.Context, incident.TeardownEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tears++
	return c.err
}

func TestFanoutCallsEveryTarget(t *testing.T) {
	first := &countingWorkflow{}
	second := &countingWorkflow{}
	fanout := NewFanout(testLogger(), first, second, nil)

	if err := fanout.AppendEvent(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if first.appends != 1 || second.appends != 1 {
		t.Fatalf("expected both targets called, got %d and %d", first.appends, second.appends)
	}
}

func TestFanoutPropagatesFailure(t *testing.T) {
	failing := &countingWorkflow{err: errors.New("down")}
	fanout := NewFanout(testLogger(), failing)

	if err := fanout.CreateRun(context.Background(), testEnvelope()); err == nil {
		t.Fatalf("expected error from failing target")
	}
}

func TestLoggingWorkflowAcks(t *testing.T) {
	sink := NewLogging(testLogger())
	if err := sink.CreateRun(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := sink.Teardown(context.Background(), incident.TeardownEnvelope{Incident: incident.Projection{ID: "inc_1"}}); err != nil {
		t.Fatalf("teardown: %v", err)
	}
}
