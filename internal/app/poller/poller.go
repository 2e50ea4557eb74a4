// Package poller reads the card on the reader at a fixed interval and
// applies whatever it finds. A card left resting on the reader is applied
// once; it is applied again only after its content changes or it is lifted
// and presented again.
//
// Results are handed to a callback from the poller's own goroutine. The
// poller shares the device with manual actions; the device serializes them.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// Scanner is the part of the reconciliation engine the poller drives.
type Scanner interface {
	Read(ctx context.Context) (reconcile.Reading, error)
	Apply(ctx context.Context, r reconcile.Reading) (reconcile.Result, error)
}

// Event is one poll result worth reporting.
type Event struct {
	Time   time.Time         `json:"time"`
	Result *reconcile.Result `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Handler receives poll events. It must not block for long.
type Handler func(Event)

// Poll outcomes, as recorded in metrics.
const (
	outcomeApplied   = "applied"
	outcomeUnchanged = "unchanged"
	outcomeStale     = "stale"
	outcomeNoCard    = "no_card"
	outcomeError     = "error"
)

// Poller runs the periodic scan loop.
type Poller struct {
	scanner  Scanner
	interval time.Duration
	handler  Handler
	log      *log.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// touched only by the loop goroutine or Tick callers
	last    string // raw payload of the card currently resting on the reader
	lastErr string
}

// New creates a stopped poller. handler may be nil.
func New(s Scanner, interval time.Duration, handler Handler) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if handler == nil {
		handler = func(Event) {}
	}
	return &Poller{
		scanner:  s,
		interval: interval,
		handler:  handler,
		log:      log.WithField("component", "poller"),
	}
}

// Start launches the loop. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go func(stop chan struct{}) {
		defer p.wg.Done()
		p.loop(ctx, stop)
	}(p.stopCh)
	p.log.Infof("auto-poll started every %s", p.interval)
}

// Stop ends the loop and waits for an in-flight scan to finish. It is safe
// to call on a stopped poller.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("auto-poll stopped")
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if ev, ok := p.Tick(ctx); ok {
				p.handler(ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one poll. It reports an event when a new card was applied
// or a new error appeared.
func (p *Poller) Tick(ctx context.Context) (Event, bool) {
	r, err := p.scanner.Read(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLinkDeviceReported) || errors.Is(err, domain.ErrLinkTimeout) {
			// Nothing on the reader.
			p.last, p.lastErr = "", ""
			observability.PollScans.WithLabelValues(outcomeNoCard).Inc()
			return Event{}, false
		}
		return p.failed(ctx, err)
	}

	if r.Raw == p.last {
		observability.PollScans.WithLabelValues(outcomeUnchanged).Inc()
		return Event{}, false
	}

	res, err := p.scanner.Apply(ctx, r)
	if err != nil {
		return p.failed(ctx, err)
	}
	if res.Outcome == reconcile.OutcomeStale {
		// Read again next tick.
		observability.PollScans.WithLabelValues(outcomeStale).Inc()
		return Event{}, false
	}
	p.last, p.lastErr = r.Raw, ""
	observability.PollScans.WithLabelValues(outcomeApplied).Inc()
	p.log.WithField("uid", res.UID).Debugf("card applied: %s", res.Outcome)
	return Event{Time: time.Now(), Result: &res}, true
}

func (p *Poller) failed(ctx context.Context, err error) (Event, bool) {
	if ctx.Err() != nil {
		return Event{}, false
	}
	observability.PollScans.WithLabelValues(outcomeError).Inc()
	if err.Error() == p.lastErr {
		return Event{}, false
	}
	p.lastErr = err.Error()
	p.log.WithError(err).Warn("poll failed")
	return Event{Time: time.Now(), Error: err.Error()}, true
}
