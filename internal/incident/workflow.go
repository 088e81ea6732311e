package incident

import (
	"context"
	"encoding/json"
)

// DispatchEnvelope is the payload handed to the downstream workflow for one
// event: the event itself, the current incident projection and any per-event
// metadata recorded at commit time.
type DispatchEnvelope struct {
	Event         Event             `json:"event"`
	Incident      Projection        `json:"incident"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	EventMetadata json.RawMessage   `json:"event_metadata,omitempty"`
	Adapter       string            `json:"adapter,omitempty"`
}

// TeardownEnvelope carries the full event history and the postmortem to the
// workflow's persistence path before local storage is wiped.
type TeardownEnvelope struct {
	Incident   Projection  `json:"incident"`
	Events     []Event     `json:"events"`
	Postmortem *Postmortem `json:"postmortem,omitempty"`
}

// Workflow is the outbound dispatch interface. The external workflow is
// created once by the first event and then fed every subsequent one; teardown
// receives the final analytics record. Implementations own their retry
// policy; a returned error makes the outbox retry the event later.
type Workflow interface {
	CreateRun(ctx context.Context, envelope DispatchEnvelope) error
	AppendEvent(ctx context.Context, envelope DispatchEnvelope) error
	Teardown(ctx context.Context, envelope TeardownEnvelope) error
}
