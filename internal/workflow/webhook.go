package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/embrake-AI/fire-sub002/internal/incident"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 1 << 20

	kindCreateRun   = "create_run"
	kindAppendEvent = "append_event"
	kindTeardown    = "teardown"
)

type WebhookOption func(*Webhook)

// Webhook posts workflow calls to a single HTTP endpoint. Each call carries a
// kind field so one receiver can demux run creation, event appends and
// teardown records.
type Webhook struct {
	name       string
	url        string
	httpClient *http.Client
	logger     *log.Logger
}

func NewWebhook(name string, url string, logger *log.Logger, opts ...WebhookOption) *Webhook {
	hook := &Webhook{
		name:       strings.TrimSpace(name),
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     logger,
	}
	if hook.name == "" {
		hook.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hook)
		}
	}
	return hook
}

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		if client != nil {
			w.httpClient = client
		}
	}
}

func (w *Webhook) Name() string {
	return w.name
}

var _ incident.Workflow = (*Webhook)(nil)

type webhookPayload struct {
	Kind      string                     `json:"kind"`
	CreateRun *incident.DispatchEnvelope `json:"create_run,omitempty"`
	Event     *incident.DispatchEnvelope `json:"event,omitempty"`
	Teardown  *incident.TeardownEnvelope `json:"teardown,omitempty"`
}

func (w *Webhook) CreateRun(ctx context.Context, envelope incident.DispatchEnvelope) error {
	return w.post(ctx, webhookPayload{Kind: kindCreateRun, CreateRun: &envelope})
}

func (w *Webhook) AppendEvent(ctx context.Context, envelope incident.DispatchEnvelope) error {
	return w.post(ctx, webhookPayload{Kind: kindAppendEvent, Event: &envelope})
}

func (w *Webhook) Teardown(ctx context.Context, envelope incident.TeardownEnvelope) error {
	return w.post(ctx, webhookPayload{Kind: kindTeardown, Teardown: &envelope})
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	limited := io.LimitReader(resp.Body, maxErrorBodyBytes+1)
	errorBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}
