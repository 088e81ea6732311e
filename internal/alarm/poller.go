package alarm

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

var ErrPollerAlreadyStarted = errors.New("poller already started")

// AlarmStore lists incidents whose wake-up time has passed. Rows are never
// deleted here: the handler clears or reschedules them, so delivery is
// at-least-once.
type AlarmStore interface {
	DueAlarms(ctx context.Context, now time.Time) ([]string, error)
}

// WakeHandler drives one incident's wake-up pass. A returned error leaves the
// alarm row due, so the next tick retries.
type WakeHandler func(ctx context.Context, incidentID string) error

type Poller struct {
	store    AlarmStore
	handler  WakeHandler
	logger   *log.Logger
	interval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) pollerTicker
}

func NewPoller(store AlarmStore, handler WakeHandler, interval time.Duration, logger *log.Logger) *Poller {
	if store == nil {
		panic("alarm: store is required")
	}
	if handler == nil {
		panic("alarm: handler is required")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Poller{
		store:    store,
		handler:  handler,
		logger:   logger,
		interval: interval,
		inFlight: make(map[string]bool),
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) pollerTicker {
			return newRealTicker(interval)
		},
	}
}

func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPollerAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := p.tickerFactory(p.interval)
	p.running = true
	p.stopCh = stopCh
	p.doneCh = doneCh
	p.mu.Unlock()

	go p.run(ctx, ticker, stopCh, doneCh)
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.running = false
	p.stopCh = nil
	p.doneCh = nil
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (p *Poller) run(ctx context.Context, ticker pollerTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			p.evaluate(ctx)
		}
	}
}

func (p *Poller) evaluate(ctx context.Context) {
	due, err := p.store.DueAlarms(ctx, p.now())
	if err != nil {
		p.logger.Printf("alarm scan failed err=%v", err)
		return
	}

	for _, incidentID := range due {
		p.mu.Lock()
		if p.inFlight[incidentID] {
			p.mu.Unlock()
			continue
		}
		p.inFlight[incidentID] = true
		p.mu.Unlock()

		go p.fire(ctx, incidentID)
	}
}

func (p *Poller) fire(ctx context.Context, incidentID string) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, incidentID)
		p.mu.Unlock()
	}()

	if err := p.handler(ctx, incidentID); err != nil {
		p.logger.Printf("wake-up failed incident_id=%s err=%v", incidentID, err)
	}
}

type pollerTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
