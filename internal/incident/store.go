package incident

import (
	"context"
	"time"
)

// CommitOptions tunes the commit primitive. SkipSchedule exists solely for
// transactions that schedule their own wake-up explicitly.
type CommitOptions struct {
	SkipSchedule bool
	WakeAt       time.Time
}

// Store is the local transactional storage an actor runs on. One state slot,
// one event-log table, one prompt-queue table, one entry-point slot, one
// summary-cache slot and one alarm slot, all scoped to a single incident and
// deleted together by Destroy.
type Store interface {
	// CreateIncident writes the uninitialized placeholder state, the
	// entry-point candidates and an immediate wake-up in one transaction.
	// Returns false without touching anything when the state already exists.
	CreateIncident(ctx context.Context, state State, entryPoints []EntryPoint, wakeAt time.Time) (bool, error)

	GetState(ctx context.Context, incidentID string) (State, error)

	// Commit atomically replaces the state snapshot and, when event is
	// non-nil, appends it to the log and schedules a wake-up at WakeAt
	// unless SkipSchedule is set. All or nothing.
	Commit(ctx context.Context, state State, event *Event, opts CommitOptions) error

	// Initialize finalizes triage: replaces the state, appends the creation
	// event, drops the entry-point slot and schedules a wake-up, atomically.
	Initialize(ctx context.Context, state State, event Event, wakeAt time.Time) error

	Events(ctx context.Context, incidentID string) ([]Event, error)
	UnpublishedEvents(ctx context.Context, incidentID string, maxAttempts, limit int) ([]Event, error)
	HasUnpublished(ctx context.Context, incidentID string, maxAttempts int) (bool, error)
	FirstEventID(ctx context.Context, incidentID string) (int64, error)
	MarkPublished(ctx context.Context, eventID int64, at time.Time) error
	IncrementAttempts(ctx context.Context, eventID int64) error
	MessageExists(ctx context.Context, incidentID, messageID string) (bool, error)

	EntryPoints(ctx context.Context, incidentID string) ([]EntryPoint, error)

	EnqueuePrompt(ctx context.Context, entry PromptEntry) (bool, error)
	NextPrompt(ctx context.Context, incidentID string) (PromptEntry, error)
	DeletePrompt(ctx context.Context, incidentID, ts string) error

	GetSummary(ctx context.Context, incidentID string) (Summary, error)
	SaveSummary(ctx context.Context, incidentID string, summary Summary) error

	SetAlarm(ctx context.Context, incidentID string, at time.Time) error
	ClearAlarm(ctx context.Context, incidentID string) error

	// Destroy wipes every row belonging to the incident, including any
	// pending alarm. The actor ceases to exist.
	Destroy(ctx context.Context, incidentID string) error
}
