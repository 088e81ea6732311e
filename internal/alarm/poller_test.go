package alarm

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type memoryAlarmStore struct {
	mu     sync.Mutex
	alarms map[string]time.Time
}

func newMemoryAlarmStore() *memoryAlarmStore {
	return &memoryAlarmStore{alarms: make(map[string]time.Time)}
}

func (s *memoryAlarmStore) set(incidentID string, dueAt time.Time) {
	s.mu.Lock()
	s.alarms[incidentID] = dueAt
	s.mu.Unlock()
}

func (s *memoryAlarmStore) clear(incidentID string) {
	s.mu.Lock()
	delete(s.alarms, incidentID)
	s.mu.Unlock()
}

func (s *memoryAlarmStore) DueAlarms(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for id, at := range s.alarms {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	fired  []string
	err    error
	notify chan struct{}
	onFire func(incidentID string)
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 32)}
}

func (h *recordingHandler) handle(_ context.Context, incidentID string) error {
	h.mu.Lock()
	h.fired = append(h.fired, incidentID)
	onFire := h.onFire
	err := h.err
	h.mu.Unlock()

	if onFire != nil {
		onFire(incidentID)
	}
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

func (h *recordingHandler) waitForCount(t *testing.T, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if h.count() >= want {
			return
		}
		select {
		case <-h.notify:
		case <-poll.C:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d wake-ups, got %d", want, h.count())
		}
	}
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) Chan() <-chan time.Time {
	return t.ch
}

func (t *manualTicker) Stop() {}

func newTestPoller(store *memoryAlarmStore, handler *recordingHandler) (*Poller, *manualTicker) {
	p := NewPoller(store, handler.handle, time.Second, log.New(io.Discard, "", 0))
	ticker := &manualTicker{ch: make(chan time.Time, 8)}
	p.tickerFactory = func(time.Duration) pollerTicker { return ticker }
	p.now = func() time.Time {
		return time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	}
	return p, ticker
}

func TestPollerFiresDueAlarms(t *testing.T) {
	store := newMemoryAlarmStore()
	handler := newRecordingHandler()
	handler.onFire = store.clear

	p, ticker := newTestPoller(store, handler)
	store.set("inc_1", time.Date(2026, time.March, 1, 9, 59, 0, 0, time.UTC))
	store.set("inc_2", time.Date(2026, time.March, 1, 11, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	defer p.Stop()

	ticker.ch <- time.Now()
	handler.waitForCount(t, 1, 2*time.Second)

	handler.mu.Lock()
	fired := append([]string(nil), handler.fired...)
	handler.mu.Unlock()
	if len(fired) != 1 || fired[0] != "inc_1" {
		t.Fatalf("expected only inc_1 to fire, got %v", fired)
	}
}

func TestPollerRetriesFailedHandler(t *testing.T) {
	store := newMemoryAlarmStore()
	handler := newRecordingHandler()
	handler.err = errors.New("downstream unavailable")

	p, ticker := newTestPoller(store, handler)
	store.set("inc_1", time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	defer p.Stop()

	ticker.ch <- time.Now()
	handler.waitForCount(t, 1, 2*time.Second)

	// The handler failed, so the row is still due and the next tick fires it
	// again.
	ticker.ch <- time.Now()
	handler.waitForCount(t, 2, 2*time.Second)
}

func TestPollerSkipsInFlightIncidents(t *testing.T) {
	store := newMemoryAlarmStore()
	handler := newRecordingHandler()

	blockCh := make(chan struct{})
	handler.onFire = func(string) { <-blockCh }

	p, ticker := newTestPoller(store, handler)
	store.set("inc_1", time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	defer p.Stop()

	ticker.ch <- time.Now()
	handler.waitForCount(t, 1, 2*time.Second)

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	time.Sleep(50 * time.Millisecond)
	if got := handler.count(); got != 1 {
		t.Fatalf("expected in-flight incident to be skipped, got %d fires", got)
	}

	close(blockCh)
}

func TestPollerStartTwice(t *testing.T) {
	store := newMemoryAlarmStore()
	handler := newRecordingHandler()
	p, _ := newTestPoller(store, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	defer p.Stop()

	if err := p.Start(ctx); !errors.Is(err, ErrPollerAlreadyStarted) {
		t.Fatalf("expected ErrPollerAlreadyStarted, got %v", err)
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	store := newMemoryAlarmStore()
	handler := newRecordingHandler()
	p, _ := newTestPoller(store, handler)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	p.Stop()
	p.Stop()
}
