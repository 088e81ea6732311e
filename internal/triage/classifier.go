package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/embrake-AI/fire-sub002/internal/incident"
)

const (
	defaultMaxTokens    = 1024
	postmortemMaxTokens = 4096
)

// Classifier turns free text into structured incident decisions by asking a
// completion provider for JSON and decoding the reply.
type Classifier struct {
	provider  Provider
	model     string
	logger    *log.Logger
	maxTokens int
}

type ClassifierOption func(*Classifier)

func NewClassifier(provider Provider, model string, opts ...ClassifierOption) *Classifier {
	if provider == nil {
		panic("triage: provider is required")
	}
	if strings.TrimSpace(model) == "" {
		panic("triage: model is required")
	}
	c := &Classifier{
		provider:  provider,
		model:     model,
		logger:    log.New(io.Discard, "", 0),
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithLogger(logger *log.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMaxTokens(maxTokens int) ClassifierOption {
	return func(c *Classifier) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
	}
}

var _ incident.Triage = (*Classifier)(nil)

const classifyIncidentSystem = `You triage newly reported infrastructure incidents.
Reply with a single JSON object and nothing else:
{"assignee": string, "severity": "low"|"medium"|"high", "title": string, "description": string, "entry_point_id": string}
Pick the assignee from the entry-point candidates whose prompt best matches the report and echo that candidate's id as entry_point_id.
If no candidate matches, use the fallback candidate. Keep the title under ten words.`

func (c *Classifier) ClassifyIncident(ctx context.Context, prompt string, entryPoints []incident.EntryPoint) (incident.Classification, error) {
	candidates, err := json.Marshal(entryPoints)
	if err != nil {
		return incident.Classification{}, fmt.Errorf("marshal entry points: %w", err)
	}

	var user strings.Builder
	user.WriteString("Incident report:\n")
	user.WriteString(prompt)
	user.WriteString("\n\nEntry-point candidates:\n")
	user.Write(candidates)

	raw, err := c.complete(ctx, classifyIncidentSystem, user.String(), c.maxTokens)
	if err != nil {
		return incident.Classification{}, err
	}

	var classification incident.Classification
	if err := decodeJSONReply(raw, &classification); err != nil {
		return incident.Classification{}, fmt.Errorf("decode classification: %w", err)
	}

	if !incident.ValidSeverity(classification.Severity) {
		c.logger.Printf("classifier returned severity %q, defaulting to medium", classification.Severity)
		classification.Severity = incident.SeverityMedium
	}
	if strings.TrimSpace(classification.Assignee) == "" {
		classification.Assignee = fallbackAssignee(entryPoints)
	}
	if strings.TrimSpace(classification.Title) == "" {
		classification.Title = firstLine(prompt)
	}
	return classification, nil
}

const classifyCommandSystem = `You interpret operator commands against a live incident.
Reply with a single JSON object and nothing else:
{"action": "update_status"|"update_severity"|"summarize"|"noop", "status": string, "severity": "low"|"medium"|"high", "message": string}
Set status only for update_status, severity only for update_severity.
Use noop when the command does not map to any supported action.`

func (c *Classifier) ClassifyCommand(ctx context.Context, prompt string, status incident.Status, valid []incident.Status) (incident.CommandAction, error) {
	transitions := make([]string, 0, len(valid))
	for _, s := range valid {
		transitions = append(transitions, string(s))
	}

	var user strings.Builder
	user.WriteString("Operator command:\n")
	user.WriteString(prompt)
	fmt.Fprintf(&user, "\n\nCurrent status: %s\n", status)
	if len(transitions) > 0 {
		fmt.Fprintf(&user, "Valid status transitions: %s\n", strings.Join(transitions, ", "))
	} else {
		user.WriteString("No status transitions are valid from here.\n")
	}

	raw, err := c.complete(ctx, classifyCommandSystem, user.String(), c.maxTokens)
	if err != nil {
		return incident.CommandAction{}, err
	}

	var action incident.CommandAction
	if err := decodeJSONReply(raw, &action); err != nil {
		return incident.CommandAction{}, fmt.Errorf("decode command action: %w", err)
	}

	switch action.Action {
	case incident.ActionUpdateStatus:
		if !statusIn(action.Status, valid) {
			c.logger.Printf("classifier proposed invalid transition %s->%s, treating as noop", status, action.Status)
			return incident.CommandAction{Action: incident.ActionNoop}, nil
		}
	case incident.ActionUpdateSeverity:
		if !incident.ValidSeverity(action.Severity) {
			c.logger.Printf("classifier returned severity %q, treating as noop", action.Severity)
			return incident.CommandAction{Action: incident.ActionNoop}, nil
		}
	case incident.ActionSummarize, incident.ActionNoop:
	default:
		c.logger.Printf("classifier returned unknown action %q, treating as noop", action.Action)
		return incident.CommandAction{Action: incident.ActionNoop}, nil
	}
	return action, nil
}

const summarizeSystem = `You write concise incident status summaries for responders.
Reply with a short plain-text summary: what happened, current status, severity, who owns it and the latest developments. No JSON, no markdown headers.`

func (c *Classifier) Summarize(ctx context.Context, inc incident.Projection, events []incident.Event) (string, error) {
	text, err := c.complete(ctx, summarizeSystem, incidentTranscript(inc, events), c.maxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

const postmortemSystem = `You write incident postmortems from the full event log.
Reply with a single JSON object and nothing else:
{"timeline": string, "root_cause": string, "impact": string, "actions": [string]}
timeline is a chronological narrative, actions is a list of concrete follow-ups.`

func (c *Classifier) GeneratePostmortem(ctx context.Context, inc incident.Projection, events []incident.Event) (incident.Postmortem, error) {
	raw, err := c.complete(ctx, postmortemSystem, incidentTranscript(inc, events), postmortemMaxTokens)
	if err != nil {
		return incident.Postmortem{}, err
	}

	var postmortem incident.Postmortem
	if err := decodeJSONReply(raw, &postmortem); err != nil {
		return incident.Postmortem{}, fmt.Errorf("decode postmortem: %w", err)
	}
	return postmortem, nil
}

func (c *Classifier) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	return c.provider.Complete(ctx, CompletionRequest{
		Model:        c.model,
		SystemPrompt: system,
		UserPrompt:   user,
		MaxTokens:    maxTokens,
	})
}

func incidentTranscript(inc incident.Projection, events []incident.Event) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Incident %s\n", inc.ID)
	fmt.Fprintf(&builder, "Title: %s\n", inc.Title)
	fmt.Fprintf(&builder, "Status: %s  Severity: %s  Assignee: %s\n", inc.Status, inc.Severity, inc.Assignee)
	fmt.Fprintf(&builder, "Reported by %s via %s: %s\n", inc.Creator, inc.Source, inc.Prompt)
	builder.WriteString("\nEvent log:\n")
	for _, event := range events {
		fmt.Fprintf(&builder, "[%s] %s %s\n", event.CreatedAt.Format("2006-01-02 15:04:05"), event.Type, string(event.Data))
	}
	return builder.String()
}

// decodeJSONReply tolerates models that wrap the object in a code fence or
// surrounding prose: it decodes the outermost braced region.
func decodeJSONReply(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in reply: %q", firstLine(trimmed))
	}
	return json.Unmarshal([]byte(trimmed[start:end+1]), v)
}

func fallbackAssignee(entryPoints []incident.EntryPoint) string {
	for _, ep := range entryPoints {
		if ep.Fallback {
			return ep.Assignee
		}
	}
	if len(entryPoints) > 0 {
		return entryPoints[0].Assignee
	}
	return ""
}

func statusIn(status incident.Status, valid []incident.Status) bool {
	for _, s := range valid {
		if s == status {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
