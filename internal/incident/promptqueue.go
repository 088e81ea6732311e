package incident

import (
	"context"
	"errors"
	"fmt"
)

// ensurePromptLoop starts the single-flight drain loop for an incident. A
// call while a loop is already in flight is a no-op; the running loop picks
// up whatever was enqueued in the meantime.
func (a *Actor) ensurePromptLoop(incidentID string) {
	a.promptMu.Lock()
	if a.promptRunning[incidentID] {
		a.promptMu.Unlock()
		return
	}
	a.promptRunning[incidentID] = true
	a.promptMu.Unlock()

	go a.drainPrompts(incidentID)
}

// drainPrompts pops the oldest queued prompt, classifies it into a structured
// action constrained to the currently valid transitions, applies it by
// re-entering the actor's own command interface, then deletes the row.
// Best-effort: a row that fails classification is logged and dropped so it
// never blocks later prompts.
func (a *Actor) drainPrompts(incidentID string) {
	ctx := context.Background()
	for {
		entry, err := a.store.NextPrompt(ctx, incidentID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				a.logger.Printf("prompt dequeue failed incident_id=%s err=%v", incidentID, err)
			}
			break
		}

		if err := a.processPrompt(ctx, entry); err != nil {
			a.logger.Printf("prompt processing failed incident_id=%s ts=%s err=%v", incidentID, entry.TS, err)
		}
		if err := a.store.DeletePrompt(ctx, incidentID, entry.TS); err != nil {
			a.logger.Printf("prompt delete failed incident_id=%s ts=%s err=%v", incidentID, entry.TS, err)
			break
		}
	}

	a.promptMu.Lock()
	delete(a.promptRunning, incidentID)
	a.promptMu.Unlock()

	// A prompt enqueued after the empty read above would otherwise wait for
	// the next AddPrompt; recheck once and restart if needed.
	if _, err := a.store.NextPrompt(context.Background(), incidentID); err == nil {
		a.ensurePromptLoop(incidentID)
	}
}

func (a *Actor) processPrompt(ctx context.Context, entry PromptEntry) error {
	state, err := a.snapshot(ctx, entry.IncidentID)
	if err != nil {
		return err
	}

	action, err := a.triage.ClassifyCommand(ctx, entry.Prompt, state.Status, ValidTransitions(state.Status))
	if err != nil {
		return fmt.Errorf("classify command: %w", err)
	}

	switch action.Action {
	case ActionUpdateStatus:
		return a.UpdateStatus(ctx, entry.IncidentID, action.Status, action.Message, entry.Adapter)
	case ActionUpdateSeverity:
		return a.SetSeverity(ctx, entry.IncidentID, action.Severity, entry.Adapter)
	case ActionSummarize:
		_, err := a.GetSummary(ctx, entry.IncidentID, true)
		return err
	case ActionNoop:
		return nil
	default:
		return fmt.Errorf("unknown action %q", action.Action)
	}
}

// snapshot reads the current state under the actor lock without holding it
// across the classification call.
func (a *Actor) snapshot(ctx context.Context, incidentID string) (State, error) {
	release := a.locks.acquire(incidentID)
	defer release()
	return a.loadInitialized(ctx, incidentID)
}
