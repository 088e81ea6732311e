package workflow

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/embrake-AI/fire-sub002/internal/incident"
)

// Fanout forwards each call to every target. A single failing target fails
// the whole call, so the dispatcher's retry covers all of them; targets must
// tolerate redelivery.
type Fanout struct {
	targets []incident.Workflow
	logger  *log.Logger
}

func NewFanout(logger *log.Logger, targets ...incident.Workflow) *Fanout {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	kept := make([]incident.Workflow, 0, len(targets))
	for _, target := range targets {
		if target != nil {
			kept = append(kept, target)
		}
	}
	return &Fanout{targets: kept, logger: logger}
}

var _ incident.Workflow = (*Fanout)(nil)

func (f *Fanout) CreateRun(ctx context.Context, envelope incident.DispatchEnvelope) error {
	return f.each(ctx, "create run", func(target incident.Workflow) error {
		return target.CreateRun(ctx, envelope)
	})
}

func (f *Fanout) AppendEvent(ctx context.Context, envelope incident.DispatchEnvelope) error {
	return f.each(ctx, "append event", func(target incident.Workflow) error {
		return target.AppendEvent(ctx, envelope)
	})
}

func (f *Fanout) Teardown(ctx context.Context, envelope incident.TeardownEnvelope) error {
	return f.each(ctx, "teardown", func(target incident.Workflow) error {
		return target.Teardown(ctx, envelope)
	})
}

func (f *Fanout) each(_ context.Context, op string, call func(incident.Workflow) error) error {
	for _, target := range f.targets {
		if err := call(target); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
