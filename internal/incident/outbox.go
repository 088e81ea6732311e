package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HandleWakeUp is the alarm handler: run triage if the incident is still
// uninitialized, then drain unpublished events strictly in order, then either
// reschedule, tear down, or go quiet. A returned error leaves the alarm in
// place so the platform-level at-least-once retry fires again.
func (a *Actor) HandleWakeUp(ctx context.Context, incidentID string) error {
	release := a.locks.acquire(incidentID)
	defer release()

	state, err := a.store.GetState(ctx, incidentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Stale alarm for a destroyed actor.
			return a.store.ClearAlarm(ctx, incidentID)
		}
		return fmt.Errorf("load state: %w", err)
	}

	if !state.Initialized {
		state, err = a.initialize(ctx, state)
		if err != nil {
			return err
		}
	}

	if err := a.dispatchBatch(ctx, state); err != nil {
		return err
	}

	remaining, err := a.store.HasUnpublished(ctx, incidentID, MaxDispatchAttempts)
	if err != nil {
		return fmt.Errorf("count unpublished: %w", err)
	}
	if remaining {
		return a.store.SetAlarm(ctx, incidentID, a.now().Add(a.retryInterval))
	}
	if state.Status == StatusResolved {
		return a.teardown(ctx, state)
	}
	return a.store.ClearAlarm(ctx, incidentID)
}

// initialize runs triage exactly once: classification picks the assignee,
// severity and descriptive text, the state flips to initialized and the
// INCIDENT_CREATED event is committed in the same transaction that drops the
// entry-point candidates. A failure here propagates so the wake-up retries.
func (a *Actor) initialize(ctx context.Context, state State) (State, error) {
	entryPoints, err := a.store.EntryPoints(ctx, state.ID)
	if err != nil {
		return State{}, fmt.Errorf("load entry points: %w", err)
	}

	classification, err := a.triage.ClassifyIncident(ctx, state.Prompt, entryPoints)
	if err != nil {
		return State{}, fmt.Errorf("classify incident: %w", err)
	}

	state.Assignee = classification.Assignee
	state.Severity = classification.Severity
	state.Title = classification.Title
	state.Description = classification.Description
	state.Initialized = true
	for _, ep := range entryPoints {
		if ep.ID != "" && ep.ID == classification.EntryPointID {
			state.EntryPointID = ep.ID
			state.RotationID = ep.RotationID
			state.TeamID = ep.TeamID
			break
		}
	}

	payload := CreatedPayload{
		Prompt:      state.Prompt,
		Creator:     state.Creator,
		Source:      state.Source,
		Assignee:    state.Assignee,
		Severity:    state.Severity,
		Title:       state.Title,
		Description: state.Description,
	}
	event, err := a.newEvent(state.ID, EventTypeIncidentCreated, payload, string(state.Source), nil)
	if err != nil {
		return State{}, err
	}

	if err := a.store.Initialize(ctx, state, event, a.now()); err != nil {
		return State{}, fmt.Errorf("commit initialization: %w", err)
	}
	a.logger.Printf("incident initialized incident_id=%s assignee=%s severity=%s", state.ID, state.Assignee, state.Severity)
	return state, nil
}

// dispatchBatch forwards up to DispatchBatchSize unpublished events in
// ascending id order. On the first failure the attempt counter is bumped, a
// retry alarm is set and the whole batch aborts: an event is forwarded only
// once every event before it has been published or permanently given up on.
func (a *Actor) dispatchBatch(ctx context.Context, state State) error {
	events, err := a.store.UnpublishedEvents(ctx, state.ID, MaxDispatchAttempts, DispatchBatchSize)
	if err != nil {
		return fmt.Errorf("load unpublished events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	firstID, err := a.store.FirstEventID(ctx, state.ID)
	if err != nil {
		return fmt.Errorf("first event id: %w", err)
	}

	projection := state.Projection()
	for _, event := range events {
		envelope := DispatchEnvelope{
			Event:         event,
			Incident:      projection,
			Metadata:      projection.Metadata,
			EventMetadata: event.Metadata,
			Adapter:       event.Adapter,
		}

		var dispatchErr error
		if event.ID == firstID && event.Type == EventTypeIncidentCreated {
			dispatchErr = a.workflow.CreateRun(ctx, envelope)
		} else {
			dispatchErr = a.workflow.AppendEvent(ctx, envelope)
		}
		if dispatchErr != nil {
			if err := a.store.IncrementAttempts(ctx, event.ID); err != nil {
				a.logger.Printf("attempt increment failed incident_id=%s event_id=%d err=%v", state.ID, event.ID, err)
			}
			if err := a.store.SetAlarm(ctx, state.ID, a.now().Add(a.retryInterval)); err != nil {
				a.logger.Printf("retry alarm failed incident_id=%s err=%v", state.ID, err)
			}
			return fmt.Errorf("dispatch event %d: %w", event.ID, dispatchErr)
		}

		if err := a.store.MarkPublished(ctx, event.ID, a.now()); err != nil {
			return fmt.Errorf("mark published event %d: %w", event.ID, err)
		}
	}
	return nil
}

// teardown replays the log, generates the postmortem (unless the incident was
// declined), hands the final analytics record downstream and wipes all local
// storage. The actor ceases to exist afterwards.
func (a *Actor) teardown(ctx context.Context, state State) error {
	events, err := a.store.Events(ctx, state.ID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	envelope := TeardownEnvelope{
		Incident: state.Projection(),
		Events:   events,
	}
	if terminalKind(events) != TerminalDeclined {
		postmortem, err := a.triage.GeneratePostmortem(ctx, state.Projection(), events)
		if err != nil {
			return fmt.Errorf("generate postmortem: %w", err)
		}
		envelope.Postmortem = &postmortem
	}

	if err := a.workflow.Teardown(ctx, envelope); err != nil {
		return fmt.Errorf("workflow teardown: %w", err)
	}
	if err := a.store.Destroy(ctx, state.ID); err != nil {
		return fmt.Errorf("destroy incident: %w", err)
	}
	a.logger.Printf("incident destroyed incident_id=%s", state.ID)
	return nil
}

// terminalKind extracts the tag from the terminal STATUS_UPDATE event.
func terminalKind(events []Event) TerminalKind {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != EventTypeStatusUpdate {
			continue
		}
		var payload StatusPayload
		if err := json.Unmarshal(events[i].Data, &payload); err != nil {
			return TerminalResolved
		}
		if payload.Status != StatusResolved {
			continue
		}
		if strings.TrimSpace(string(payload.Kind)) == "" {
			return TerminalResolved
		}
		return payload.Kind
	}
	return TerminalResolved
}
