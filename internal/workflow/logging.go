package workflow

import (
	"context"
	"io"
	"log"

	"github.com/embrake-AI/fire-sub002/internal/incident"
)

// Logging is the fallback sink when no webhook targets are configured: every
// call is acknowledged after writing a log line, so the outbox still drains.
type Logging struct {
	logger *log.Logger
}

func NewLogging(logger *log.Logger) *Logging {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Logging{logger: logger}
}

var _ incident.Workflow = (*Logging)(nil)

func (l *Logging) CreateRun(_ context.Context, envelope incident.DispatchEnvelope) error {
	l.logger.Printf("workflow create run incident_id=%s event_id=%d", envelope.Incident.ID, envelope.Event.ID)
	return nil
}

func (l *Logging) AppendEvent(_ context.Context, envelope incident.DispatchEnvelope) error {
	l.logger.Printf("workflow append event incident_id=%s event_id=%d type=%s", envelope.Incident.ID, envelope.Event.ID, envelope.Event.Type)
	return nil
}

func (l *Logging) Teardown(_ context.Context, envelope incident.TeardownEnvelope) error {
	l.logger.Printf("workflow teardown incident_id=%s events=%d postmortem=%t", envelope.Incident.ID, len(envelope.Events), envelope.Postmortem != nil)
	return nil
}
