package incident

import (
	"encoding/json"
	"errors"
	"time"
)

// Typed conditions returned from command entry points.
var (
	ErrNotFound     = errors.New("incident not found")
	ErrInitializing = errors.New("incident is initializing")
	ErrResolved     = errors.New("incident is resolved")
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusMitigating Status = "mitigating"
	StatusResolved   Status = "resolved"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Origin string

const (
	OriginSlack     Origin = "slack"
	OriginDashboard Origin = "dashboard"
	OriginFire      Origin = "fire"
)

// TerminalKind tags how an incident reached the resolved status. A tagged
// variant rather than a boolean so further terminal kinds stay representable.
type TerminalKind string

const (
	TerminalResolved TerminalKind = "resolved"
	TerminalDeclined TerminalKind = "declined"
)

type EventType string

const (
	EventTypeIncidentCreated EventType = "INCIDENT_CREATED"
	EventTypeAssigneeUpdate  EventType = "ASSIGNEE_UPDATE"
	EventTypeSeverityUpdate  EventType = "SEVERITY_UPDATE"
	EventTypeStatusUpdate    EventType = "STATUS_UPDATE"
	EventTypeMessageAdded    EventType = "MESSAGE_ADDED"
)

// State is the single live snapshot per actor, replaced wholesale on each
// commit. Owned exclusively by the actor.
type State struct {
	ID           string
	Prompt       string
	Creator      string
	Source       Origin
	Status       Status
	Severity     Severity
	Assignee     string
	Title        string
	Description  string
	EntryPointID string
	RotationID   string
	TeamID       string
	Metadata     map[string]string
	Initialized  bool
	CreatedAt    time.Time
}

// Event is one append-only log row. Rows are never updated except to stamp
// PublishedAt or increment Attempts.
type Event struct {
	ID          int64
	IncidentID  string
	Type        EventType
	Data        json.RawMessage
	Metadata    json.RawMessage
	Adapter     string
	Attempts    int
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// PromptEntry is a queued free-text operator command. TS is the provenance
// timestamp and acts as the idempotency key.
type PromptEntry struct {
	IncidentID string
	Prompt     string
	UserID     string
	TS         string
	Adapter    string
	Channel    string
	ThreadTS   string
	CreatedAt  time.Time
}

// EntryPoint is a candidate assignment rule, supplied only at creation and
// deleted once triage has consumed it.
type EntryPoint struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Assignee   string `json:"assignee"`
	Fallback   bool   `json:"fallback"`
	RotationID string `json:"rotation_id,omitempty"`
	TeamID     string `json:"team_id,omitempty"`
}

type Summary struct {
	Text        string
	GeneratedAt time.Time
}

// Projection is the public read model returned by Get and handed to the
// triage and workflow interfaces.
type Projection struct {
	ID           string            `json:"id"`
	Prompt       string            `json:"prompt"`
	Creator      string            `json:"creator"`
	Source       Origin            `json:"source"`
	Status       Status            `json:"status"`
	Severity     Severity          `json:"severity"`
	Assignee     string            `json:"assignee"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	EntryPointID string            `json:"entry_point_id,omitempty"`
	RotationID   string            `json:"rotation_id,omitempty"`
	TeamID       string            `json:"team_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Event payloads.

type CreatedPayload struct {
	Prompt      string   `json:"prompt"`
	Creator     string   `json:"creator"`
	Source      Origin   `json:"source"`
	Assignee    string   `json:"assignee"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

type AssigneePayload struct {
	Assignee string `json:"assignee"`
	Previous string `json:"previous,omitempty"`
}

type SeverityPayload struct {
	Severity Severity `json:"severity"`
	Previous Severity `json:"previous,omitempty"`
}

type StatusPayload struct {
	Status  Status       `json:"status"`
	Message string       `json:"message,omitempty"`
	Kind    TerminalKind `json:"kind,omitempty"`
}

type MessagePayload struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

// CanTransition reports whether moving from one status to another is allowed.
// The table is {open→mitigating, open→resolved, mitigating→resolved};
// everything else, including any move out of resolved, is invalid.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusOpen:
		return to == StatusMitigating || to == StatusResolved
	case StatusMitigating:
		return to == StatusResolved
	default:
		return false
	}
}

// ValidTransitions lists the statuses reachable from the given one.
func ValidTransitions(from Status) []Status {
	switch from {
	case StatusOpen:
		return []Status{StatusMitigating, StatusResolved}
	case StatusMitigating:
		return []Status{StatusResolved}
	default:
		return nil
	}
}

func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

func (s State) Projection() Projection {
	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return Projection{
		ID:           s.ID,
		Prompt:       s.Prompt,
		Creator:      s.Creator,
		Source:       s.Source,
		Status:       s.Status,
		Severity:     s.Severity,
		Assignee:     s.Assignee,
		Title:        s.Title,
		Description:  s.Description,
		EntryPointID: s.EntryPointID,
		RotationID:   s.RotationID,
		TeamID:       s.TeamID,
		Metadata:     meta,
		CreatedAt:    s.CreatedAt,
	}
}
