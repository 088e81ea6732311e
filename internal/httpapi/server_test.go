package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embrake-AI/fire-sub002/internal/incident"
	"github.com/embrake-AI/fire-sub002/internal/store"
)

type stubTriage struct{}

func (stubTriage) ClassifyIncident(context.Context, string, []incident.EntryPoint) (incident.Classification, error) {
	return incident.Classification{Assignee: "alice", Severity: incident.SeverityHigh, Title: "DB outage", Description: "primary down"}, nil
}

func (stubTriage) ClassifyCommand(context.Context, string, incident.Status, []incident.Status) (incident.CommandAction, error) {
	return incident.CommandAction{Action: incident.ActionNoop}, nil
}

func (stubTriage) Summarize(context.Context, incident.Projection, []incident.Event) (string, error) {
	return "all under control", nil
}

func (stubTriage) GeneratePostmortem(context.Context, incident.Projection, []incident.Event) (incident.Postmortem, error) {
	return incident.Postmortem{RootCause: "bad deploy"}, nil
}

type stubWorkflow struct{}

func (stubWorkflow) CreateRun(context.Context, incident.DispatchEnvelope) error   { return nil }
func (stubWorkflow) AppendEvent(context.Context, incident.DispatchEnvelope) error { return nil }
func (stubWorkflow) Teardown(context.Context, incident.TeardownEnvelope) error    { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *incident.Actor) {
	t.Helper()

	st, err := store.NewGormStore("sqlite", filepath.Join(t.TempDir(), "fire.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := log.New(io.Discard, "", 0)
	actor := incident.NewActor(logger, st, stubTriage{}, stubWorkflow{})
	httpServer := NewServer(logger, "127.0.0.1:0", actor)

	ts := httptest.NewServer(httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, actor
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func createAndInitialize(t *testing.T, ts *httptest.Server, actor *incident.Actor, id string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/incidents", map[string]any{
		"id":      id,
		"prompt":  "db is down",
		"creator": "user_1",
		"source":  "dashboard",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status got=%d", resp.StatusCode)
	}
	if err := actor.HandleWakeUp(context.Background(), id); err != nil {
		t.Fatalf("wake up: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status got=%d", resp.StatusCode)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/incidents", map[string]any{"prompt": "db is down"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status got=%d", resp.StatusCode)
	}

	var body struct {
		Accepted bool   `json:"accepted"`
		ID       string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Accepted || strings.TrimSpace(body.ID) == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCreateRequiresPrompt(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/incidents", map[string]any{"creator": "user_1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetBeforeInitializationConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/v1/incidents", map[string]any{"id": "inc_1", "prompt": "db is down"})
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + "/v1/incidents/inc_1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while initializing, got %d", getResp.StatusCode)
	}
}

func TestGetUnknownIncident(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/incidents/missing")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	getResp, err := http.Get(ts.URL + "/v1/incidents/inc_1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status got=%d", getResp.StatusCode)
	}

	var view incidentResponse
	if err := json.NewDecoder(getResp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Incident.Assignee != "alice" || view.Incident.Severity != incident.SeverityHigh {
		t.Fatalf("unexpected projection: %+v", view.Incident)
	}
	if len(view.Events) != 1 || view.Events[0].Type != string(incident.EventTypeIncidentCreated) {
		t.Fatalf("unexpected events: %+v", view.Events)
	}

	statusResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/status", map[string]any{"status": "mitigating", "adapter": "dashboard"})
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusAccepted {
		t.Fatalf("status update got=%d", statusResp.StatusCode)
	}

	sevResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/severity", map[string]any{"severity": "low"})
	sevResp.Body.Close()
	if sevResp.StatusCode != http.StatusAccepted {
		t.Fatalf("severity update got=%d", sevResp.StatusCode)
	}

	msgResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/messages", map[string]any{
		"text": "rolling back", "user_id": "u1", "message_id": "m1", "adapter": "slack",
	})
	msgResp.Body.Close()
	if msgResp.StatusCode != http.StatusAccepted {
		t.Fatalf("message got=%d", msgResp.StatusCode)
	}

	metaResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/metadata", map[string]string{"channel": "C123"})
	metaResp.Body.Close()
	if metaResp.StatusCode != http.StatusAccepted {
		t.Fatalf("metadata got=%d", metaResp.StatusCode)
	}

	sumResp, err := http.Get(ts.URL + "/v1/incidents/inc_1/summary")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	defer sumResp.Body.Close()
	if sumResp.StatusCode != http.StatusOK {
		t.Fatalf("summary got=%d", sumResp.StatusCode)
	}
	var summary struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(sumResp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Summary != "all under control" {
		t.Fatalf("unexpected summary: %q", summary.Summary)
	}
}

func TestInvalidSeverityIsBadRequest(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	resp := postJSON(t, ts.URL+"/v1/incidents/inc_1/severity", map[string]any{"severity": "catastrophic"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMutationAfterResolveConflicts(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	resp := postJSON(t, ts.URL+"/v1/incidents/inc_1/status", map[string]any{"status": "resolved"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resolve got=%d", resp.StatusCode)
	}

	sevResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/severity", map[string]any{"severity": "low"})
	defer sevResp.Body.Close()
	if sevResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after resolve, got %d", sevResp.StatusCode)
	}
}

func TestDeclineViaStatusKind(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	resp := postJSON(t, ts.URL+"/v1/incidents/inc_1/status", map[string]any{
		"status": "resolved", "kind": "declined", "message": "false alarm",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("decline got=%d", resp.StatusCode)
	}

	sevResp := postJSON(t, ts.URL+"/v1/incidents/inc_1/severity", map[string]any{"severity": "low"})
	defer sevResp.Body.Close()
	if sevResp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after decline, got %d", sevResp.StatusCode)
	}
}

func TestDeclineKindRequiresResolvedStatus(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	resp := postJSON(t, ts.URL+"/v1/incidents/inc_1/status", map[string]any{
		"status": "mitigating", "kind": "declined",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownFieldIsBadRequest(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	resp := postJSON(t, ts.URL+"/v1/incidents/inc_1/status", map[string]any{"status": "mitigating", "bogus": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestWebSocketPushesSnapshot(t *testing.T) {
	ts, actor := newTestServer(t)
	createAndInitialize(t, ts, actor, "inc_1")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/incidents/inc_1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snapshot wsSnapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Incident.ID != "inc_1" || snapshot.Events != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}
