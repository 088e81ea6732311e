package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// MaxDispatchAttempts caps per-event delivery retries; an exhausted
	// event is permanently skipped so later events are not blocked forever.
	MaxDispatchAttempts = 10

	// DispatchBatchSize bounds how many unpublished events one wake-up
	// drains before rescheduling.
	DispatchBatchSize = 100

	defaultRetryInterval = 30 * time.Second
	defaultSummaryTTL    = 5 * time.Minute
)

// Actor coordinates the lifecycle of incidents. One logical instance exists
// per incident identifier; the internal registry guarantees that no two
// invocations against the same identifier run concurrently.
type Actor struct {
	logger   *log.Logger
	store    Store
	triage   Triage
	workflow Workflow

	retryInterval time.Duration
	summaryTTL    time.Duration
	now           func() time.Time

	locks *registry

	promptMu      sync.Mutex
	promptRunning map[string]bool
}

type Option func(*Actor)

func WithRetryInterval(d time.Duration) Option {
	return func(a *Actor) {
		if d > 0 {
			a.retryInterval = d
		}
	}
}

func WithSummaryTTL(d time.Duration) Option {
	return func(a *Actor) {
		if d > 0 {
			a.summaryTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Actor) {
		if now != nil {
			a.now = now
		}
	}
}

func NewActor(logger *log.Logger, store Store, triage Triage, workflow Workflow, opts ...Option) *Actor {
	if store == nil {
		panic("incident: store is required")
	}
	if triage == nil {
		panic("incident: triage is required")
	}
	if workflow == nil {
		panic("incident: workflow is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Actor{
		logger:        logger,
		store:         store,
		triage:        triage,
		workflow:      workflow,
		retryInterval: defaultRetryInterval,
		summaryTTL:    defaultSummaryTTL,
		now: func() time.Time {
			return time.Now().UTC()
		},
		locks:         newRegistry(),
		promptRunning: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// StartCommand creates the uninitialized placeholder; triage runs later
// inside the first wake-up so callers get a fast acknowledgement.
type StartCommand struct {
	ID          string
	Prompt      string
	Creator     string
	Source      Origin
	Metadata    map[string]string
	EntryPoints []EntryPoint
}

// Start is idempotent: a second call for the same identifier is a no-op.
func (a *Actor) Start(ctx context.Context, cmd StartCommand) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return fmt.Errorf("incident id is required")
	}
	release := a.locks.acquire(cmd.ID)
	defer release()

	now := a.now()
	meta := make(map[string]string, len(cmd.Metadata))
	for k, v := range cmd.Metadata {
		meta[k] = v
	}
	state := State{
		ID:          cmd.ID,
		Prompt:      cmd.Prompt,
		Creator:     cmd.Creator,
		Source:      cmd.Source,
		Status:      StatusOpen,
		Metadata:    meta,
		Initialized: false,
		CreatedAt:   now,
	}

	created, err := a.store.CreateIncident(ctx, state, cmd.EntryPoints, now)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	if created {
		a.logger.Printf("incident created incident_id=%s source=%s", cmd.ID, cmd.Source)
	}
	return nil
}

func (a *Actor) SetSeverity(ctx context.Context, incidentID string, severity Severity, adapter string) error {
	if !ValidSeverity(severity) {
		return fmt.Errorf("invalid severity %q", severity)
	}
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadReady(ctx, incidentID)
	if err != nil {
		return err
	}
	if state.Severity == severity {
		return nil
	}

	previous := state.Severity
	state.Severity = severity
	event, err := a.newEvent(incidentID, EventTypeSeverityUpdate, SeverityPayload{Severity: severity, Previous: previous}, adapter, nil)
	if err != nil {
		return err
	}
	return a.commit(ctx, state, &event)
}

func (a *Actor) SetAssignee(ctx context.Context, incidentID, assignee, adapter string) error {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return fmt.Errorf("assignee is required")
	}
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadReady(ctx, incidentID)
	if err != nil {
		return err
	}
	if state.Assignee == assignee {
		return nil
	}

	previous := state.Assignee
	state.Assignee = assignee
	event, err := a.newEvent(incidentID, EventTypeAssigneeUpdate, AssigneePayload{Assignee: assignee, Previous: previous}, adapter, nil)
	if err != nil {
		return err
	}
	return a.commit(ctx, state, &event)
}

// UpdateStatus validates the transition table and silently ignores any other
// requested transition: no event, no error. That includes attempts to move
// out of resolved.
func (a *Actor) UpdateStatus(ctx context.Context, incidentID string, status Status, message, adapter string) error {
	return a.updateStatus(ctx, incidentID, status, message, adapter, TerminalResolved)
}

// Decline resolves the incident through the declined terminal path; teardown
// then skips postmortem generation.
func (a *Actor) Decline(ctx context.Context, incidentID, message, adapter string) error {
	return a.updateStatus(ctx, incidentID, StatusResolved, message, adapter, TerminalDeclined)
}

func (a *Actor) updateStatus(ctx context.Context, incidentID string, status Status, message, adapter string, kind TerminalKind) error {
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadActive(ctx, incidentID)
	if err != nil {
		return err
	}
	if !CanTransition(state.Status, status) {
		a.logger.Printf("status transition dropped incident_id=%s from=%s to=%s", incidentID, state.Status, status)
		return nil
	}

	payload := StatusPayload{Status: status, Message: message}
	if status == StatusResolved {
		payload.Kind = kind
	}
	state.Status = status
	event, err := a.newEvent(incidentID, EventTypeStatusUpdate, payload, adapter, nil)
	if err != nil {
		return err
	}
	return a.commit(ctx, state, &event)
}

// MessageCommand appends an operator chat message to the timeline. Token, if
// set, rides along as per-event metadata for the downstream notifier.
type MessageCommand struct {
	IncidentID string
	Text       string
	UserID     string
	MessageID  string
	Adapter    string
	Token      string
}

// AddMessage deduplicates by MessageID against existing MESSAGE_ADDED events.
func (a *Actor) AddMessage(ctx context.Context, cmd MessageCommand) error {
	if strings.TrimSpace(cmd.MessageID) == "" {
		return fmt.Errorf("message id is required")
	}
	release := a.locks.acquire(cmd.IncidentID)
	defer release()

	state, err := a.loadReady(ctx, cmd.IncidentID)
	if err != nil {
		return err
	}

	exists, err := a.store.MessageExists(ctx, cmd.IncidentID, cmd.MessageID)
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if exists {
		return nil
	}

	var eventMeta json.RawMessage
	if strings.TrimSpace(cmd.Token) != "" {
		encoded, err := json.Marshal(map[string]string{"token": cmd.Token})
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		eventMeta = encoded
	}

	payload := MessagePayload{Text: cmd.Text, UserID: cmd.UserID, MessageID: cmd.MessageID}
	event, err := a.newEvent(cmd.IncidentID, EventTypeMessageAdded, payload, cmd.Adapter, eventMeta)
	if err != nil {
		return err
	}
	return a.commit(ctx, state, &event)
}

// PromptCommand enqueues a free-text operator command. TS is unique per
// incident, so re-delivery is a no-op.
type PromptCommand struct {
	IncidentID string
	Prompt     string
	UserID     string
	TS         string
	Adapter    string
	Channel    string
	ThreadTS   string
}

func (a *Actor) AddPrompt(ctx context.Context, cmd PromptCommand) error {
	if strings.TrimSpace(cmd.TS) == "" {
		return fmt.Errorf("prompt ts is required")
	}
	release := a.locks.acquire(cmd.IncidentID)
	if _, err := a.loadReady(ctx, cmd.IncidentID); err != nil {
		release()
		return err
	}

	inserted, err := a.store.EnqueuePrompt(ctx, PromptEntry{
		IncidentID: cmd.IncidentID,
		Prompt:     cmd.Prompt,
		UserID:     cmd.UserID,
		TS:         cmd.TS,
		Adapter:    cmd.Adapter,
		Channel:    cmd.Channel,
		ThreadTS:   cmd.ThreadTS,
		CreatedAt:  a.now(),
	})
	release()
	if err != nil {
		return fmt.Errorf("enqueue prompt: %w", err)
	}
	if inserted {
		a.ensurePromptLoop(cmd.IncidentID)
	}
	return nil
}

// Get returns the public projection plus the full event list, for
// rehydrating the dashboard and chat context.
func (a *Actor) Get(ctx context.Context, incidentID string) (Projection, []Event, error) {
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadInitialized(ctx, incidentID)
	if err != nil {
		return Projection{}, nil, err
	}
	events, err := a.store.Events(ctx, incidentID)
	if err != nil {
		return Projection{}, nil, fmt.Errorf("load events: %w", err)
	}
	return state.Projection(), events, nil
}

// GetSummary returns the cached summary while it is fresh, otherwise replays
// the event log through the triage interface and caches the result. Read
// path only; it never commits an event.
func (a *Actor) GetSummary(ctx context.Context, incidentID string, refresh bool) (Summary, error) {
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadInitialized(ctx, incidentID)
	if err != nil {
		return Summary{}, err
	}

	if !refresh {
		cached, err := a.store.GetSummary(ctx, incidentID)
		if err == nil && a.now().Sub(cached.GeneratedAt) < a.summaryTTL {
			return cached, nil
		}
	}

	events, err := a.store.Events(ctx, incidentID)
	if err != nil {
		return Summary{}, fmt.Errorf("load events: %w", err)
	}
	text, err := a.triage.Summarize(ctx, state.Projection(), events)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}

	summary := Summary{Text: text, GeneratedAt: a.now()}
	if err := a.store.SaveSummary(ctx, incidentID, summary); err != nil {
		return Summary{}, fmt.Errorf("save summary: %w", err)
	}
	return summary, nil
}

// AddMetadata shallow-merges the patch into the state's metadata map via a
// commit with no event. Bookkeeping only.
func (a *Actor) AddMetadata(ctx context.Context, incidentID string, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.loadReady(ctx, incidentID)
	if err != nil {
		return err
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		state.Metadata[k] = v
	}
	return a.store.Commit(ctx, state, nil, CommitOptions{})
}

// loadReady gates mutating commands: the incident must exist, have finished
// triage and not be terminal.
func (a *Actor) loadReady(ctx context.Context, incidentID string) (State, error) {
	state, err := a.loadInitialized(ctx, incidentID)
	if err != nil {
		return State{}, err
	}
	if state.Status == StatusResolved {
		return State{}, ErrResolved
	}
	return state, nil
}

// loadActive is the UpdateStatus gate: resolved incidents pass through so the
// transition table can drop the request silently.
func (a *Actor) loadActive(ctx context.Context, incidentID string) (State, error) {
	return a.loadInitialized(ctx, incidentID)
}

func (a *Actor) loadInitialized(ctx context.Context, incidentID string) (State, error) {
	state, err := a.store.GetState(ctx, incidentID)
	if err != nil {
		return State{}, err
	}
	if !state.Initialized {
		return State{}, ErrInitializing
	}
	return state, nil
}

func (a *Actor) newEvent(incidentID string, eventType EventType, payload any, adapter string, eventMeta json.RawMessage) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		IncidentID: incidentID,
		Type:       eventType,
		Data:       data,
		Metadata:   eventMeta,
		Adapter:    adapter,
		CreatedAt:  a.now(),
	}, nil
}

// commit is the single mutation path: state snapshot plus event row plus a
// wake-up no later than now, atomically.
func (a *Actor) commit(ctx context.Context, state State, event *Event) error {
	if err := a.store.Commit(ctx, state, event, CommitOptions{WakeAt: a.now()}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
