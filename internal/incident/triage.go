package incident

import "context"

// Classification is the outcome of triaging a new incident.
type Classification struct {
	Assignee     string   `json:"assignee"`
	Severity     Severity `json:"severity"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	EntryPointID string   `json:"entry_point_id,omitempty"`
}

// CommandAction is a free-text operator command classified into a structured
// action, constrained to the currently valid transitions.
type CommandAction struct {
	Action   string   `json:"action"`
	Status   Status   `json:"status,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`
}

const (
	ActionUpdateStatus   = "update_status"
	ActionUpdateSeverity = "update_severity"
	ActionSummarize      = "summarize"
	ActionNoop           = "noop"
)

// Postmortem is the structured writeup generated at teardown.
type Postmortem struct {
	Timeline  string   `json:"timeline"`
	RootCause string   `json:"root_cause"`
	Impact    string   `json:"impact"`
	Actions   []string `json:"actions"`
}

// Triage is the outbound decision interface. Implementations call a language
// model; the actor only depends on this contract.
type Triage interface {
	ClassifyIncident(ctx context.Context, prompt string, entryPoints []EntryPoint) (Classification, error)
	ClassifyCommand(ctx context.Context, prompt string, status Status, valid []Status) (CommandAction, error)
	Summarize(ctx context.Context, incident Projection, events []Event) (string, error)
	GeneratePostmortem(ctx context.Context, incident Projection, events []Event) (Postmortem, error)
}
