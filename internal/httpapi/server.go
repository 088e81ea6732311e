package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embrake-AI/fire-sub002/internal/ids"
	"github.com/embrake-AI/fire-sub002/internal/incident"
)

const maxRequestBytes int64 = 1 << 20

type server struct {
	logger *log.Logger
	actor  *incident.Actor

	wsPushInterval time.Duration
}

func NewServer(logger *log.Logger, addr string, actor *incident.Actor) *http.Server {
	h := &server{
		logger:         logger,
		actor:          actor,
		wsPushInterval: 2 * time.Second,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/incidents", h.handleCreate)
	mux.HandleFunc("GET /v1/incidents/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/incidents/{id}/status", h.handleStatus)
	mux.HandleFunc("POST /v1/incidents/{id}/severity", h.handleSeverity)
	mux.HandleFunc("POST /v1/incidents/{id}/assignee", h.handleAssignee)
	mux.HandleFunc("POST /v1/incidents/{id}/messages", h.handleMessage)
	mux.HandleFunc("POST /v1/incidents/{id}/prompts", h.handlePrompt)
	mux.HandleFunc("POST /v1/incidents/{id}/metadata", h.handleMetadata)
	mux.HandleFunc("GET /v1/incidents/{id}/summary", h.handleSummary)
	mux.HandleFunc("GET /v1/incidents/{id}/ws", h.handleWS)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createRequestBody struct {
	ID          string                `json:"id"`
	Prompt      string                `json:"prompt"`
	Creator     string                `json:"creator"`
	Source      string                `json:"source"`
	Metadata    map[string]string     `json:"metadata"`
	EntryPoints []incident.EntryPoint `json:"entry_points"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}

	incidentID := strings.TrimSpace(req.ID)
	if incidentID == "" {
		incidentID = ids.New()
	}

	err := s.actor.Start(r.Context(), incident.StartCommand{
		ID:          incidentID,
		Prompt:      req.Prompt,
		Creator:     req.Creator,
		Source:      incident.Origin(req.Source),
		Metadata:    req.Metadata,
		EntryPoints: req.EntryPoints,
	})
	if err != nil {
		s.writeActorError(w, "create incident", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": incidentID})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	projection, events, err := s.actor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeActorError(w, "get incident", err)
		return
	}
	writeJSON(w, http.StatusOK, incidentView(projection, events))
}

type statusRequestBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Adapter string `json:"adapter"`
	Kind    string `json:"kind"`
}

// handleStatus routes resolved+kind=declined through the declined terminal
// path; everything else is a plain status update.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	incidentID := r.PathValue("id")
	var err error
	switch incident.TerminalKind(req.Kind) {
	case "", incident.TerminalResolved:
		err = s.actor.UpdateStatus(r.Context(), incidentID, incident.Status(req.Status), req.Message, req.Adapter)
	case incident.TerminalDeclined:
		if incident.Status(req.Status) != incident.StatusResolved {
			http.Error(w, "kind declined requires status resolved", http.StatusBadRequest)
			return
		}
		err = s.actor.Decline(r.Context(), incidentID, req.Message, req.Adapter)
	default:
		http.Error(w, fmt.Sprintf("unknown kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeActorError(w, "update status", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type severityRequestBody struct {
	Severity string `json:"severity"`
	Adapter  string `json:"adapter"`
}

func (s *server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	var req severityRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.actor.SetSeverity(r.Context(), r.PathValue("id"), incident.Severity(req.Severity), req.Adapter)
	if err != nil {
		s.writeActorError(w, "set severity", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type assigneeRequestBody struct {
	Assignee string `json:"assignee"`
	Adapter  string `json:"adapter"`
}

func (s *server) handleAssignee(w http.ResponseWriter, r *http.Request) {
	var req assigneeRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.actor.SetAssignee(r.Context(), r.PathValue("id"), req.Assignee, req.Adapter)
	if err != nil {
		s.writeActorError(w, "set assignee", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type messageRequestBody struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Adapter   string `json:"adapter"`
	Token     string `json:"token"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.actor.AddMessage(r.Context(), incident.MessageCommand{
		IncidentID: r.PathValue("id"),
		Text:       req.Text,
		UserID:     req.UserID,
		MessageID:  req.MessageID,
		Adapter:    req.Adapter,
		Token:      req.Token,
	})
	if err != nil {
		s.writeActorError(w, "add message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type promptRequestBody struct {
	Prompt   string `json:"prompt"`
	UserID   string `json:"user_id"`
	TS       string `json:"ts"`
	Adapter  string `json:"adapter"`
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequestBody
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.actor.AddPrompt(r.Context(), incident.PromptCommand{
		IncidentID: r.PathValue("id"),
		Prompt:     req.Prompt,
		UserID:     req.UserID,
		TS:         req.TS,
		Adapter:    req.Adapter,
		Channel:    req.Channel,
		ThreadTS:   req.ThreadTS,
	})
	if err != nil {
		s.writeActorError(w, "add prompt", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if !decodeBody(w, r, &patch) {
		return
	}

	if err := s.actor.AddMetadata(r.Context(), r.PathValue("id"), patch); err != nil {
		s.writeActorError(w, "add metadata", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	summary, err := s.actor.GetSummary(r.Context(), r.PathValue("id"), refresh)
	if err != nil {
		s.writeActorError(w, "get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":      summary.Text,
		"generated_at": summary.GeneratedAt,
	})
}

type wsSnapshot struct {
	Incident incident.Projection `json:"incident"`
	Events   int                 `json:"events"`
}

// handleWS upgrades the connection and pushes a projection snapshot whenever
// the incident changes, until the client disconnects or the incident is torn
// down.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("id")

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("incident ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.wsPushInterval)
	defer ticker.Stop()

	lastEvents := -1
	var lastStatus incident.Status
	for {
		projection, events, err := s.actor.Get(ctx, incidentID)
		if err != nil {
			if errors.Is(err, incident.ErrNotFound) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "incident gone"),
					time.Now().Add(time.Second))
				return
			}
			if !errors.Is(err, incident.ErrInitializing) && !errors.Is(err, context.Canceled) {
				s.logger.Printf("incident ws read failed incident_id=%s err=%v", incidentID, err)
			}
		} else if len(events) != lastEvents || projection.Status != lastStatus {
			if err := conn.WriteJSON(wsSnapshot{Incident: projection, Events: len(events)}); err != nil {
				return
			}
			lastEvents = len(events)
			lastStatus = projection.Status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type incidentResponse struct {
	Incident incident.Projection `json:"incident"`
	Events   []eventView         `json:"events"`
}

type eventView struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Adapter     string          `json:"adapter,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func incidentView(projection incident.Projection, events []incident.Event) incidentResponse {
	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, eventView{
			ID:          event.ID,
			Type:        string(event.Type),
			Data:        event.Data,
			Metadata:    event.Metadata,
			Adapter:     event.Adapter,
			PublishedAt: event.PublishedAt,
			CreatedAt:   event.CreatedAt,
		})
	}
	return incidentResponse{Incident: projection, Events: views}
}

func (s *server) writeActorError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		http.Error(w, "incident not found", http.StatusNotFound)
	case errors.Is(err, incident.ErrInitializing):
		http.Error(w, "incident is initializing", http.StatusConflict)
	case errors.Is(err, incident.ErrResolved):
		http.Error(w, "incident is resolved", http.StatusConflict)
	case isValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Printf("%s failed: %v", op, err)
		http.Error(w, fmt.Sprintf("%s failed", op), http.StatusInternalServerError)
	}
}

// isValidationError matches the actor's argument checks, which are plain
// fmt.Errorf values rather than sentinels.
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.HasSuffix(msg, "is required") || strings.HasPrefix(msg, "invalid severity")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
