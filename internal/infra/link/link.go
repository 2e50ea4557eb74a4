// Package link owns the serial channel to the card reader/writer.
//
// The reader speaks a newline-terminated ASCII protocol, one command at a
// time. A Link is a single exclusive slot: every command holds it for its
// full round trip (send, wait, retries) so replies are never interleaved.
// Timeouts are retried inside the Link up to a fixed attempt budget; an
// ERROR: line from the device is surfaced immediately and never retried.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// State is the lifecycle state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	default:
		return "disconnected"
	}
}

// Config controls Link timing.
type Config struct {
	SettleDelay    time.Duration // after open, before the firmware answers (default: 2s)
	ReadTimeout    time.Duration // READ reply window (default: 6s)
	WriteTimeout   time.Duration // WRITE/CLEAR_HISTORY window, card held by hand (default: 15s)
	HistoryTimeout time.Duration // READ_HISTORY window (default: 10s)
	Attempts       int           // attempts per command on timeout (default: 3)
	RetryPause     time.Duration // pause between timed-out attempts (default: 300ms)
	ResetPause     time.Duration // wait after RESET/PING before draining (default: 300ms)
	PollInterval   time.Duration // port read timeout (default: 50ms)
}

// DefaultConfig returns the timings the reader firmware expects.
func DefaultConfig() Config {
	return Config{
		SettleDelay:    2 * time.Second,
		ReadTimeout:    6 * time.Second,
		WriteTimeout:   15 * time.Second,
		HistoryTimeout: 10 * time.Second,
		Attempts:       3,
		RetryPause:     300 * time.Millisecond,
		ResetPause:     300 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
	}
}

// errWindowElapsed marks one attempt that saw no terminal line.
var errWindowElapsed = errors.New("reply window elapsed")

// Link is the exclusive request/response channel to one reader.
type Link struct {
	cfg     Config
	open    Opener
	journal *observability.Journal
	log     *log.Entry

	slot chan struct{} // single-slot guard held for a whole round trip

	mu    sync.Mutex // guards the fields below
	state State
	port  Port
	name  string
	baud  int

	rbuf []byte // only touched while holding slot
}

// New creates a disconnected Link. journal may be nil.
func New(cfg Config, open Opener, journal *observability.Journal) *Link {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if open == nil {
		open = SerialOpener
	}
	return &Link{
		cfg:     cfg,
		open:    open,
		journal: journal,
		log:     log.WithField("component", "link"),
		slot:    make(chan struct{}, 1),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Connect opens the channel and waits for the firmware to settle. An open
// channel is closed first, so Connect doubles as reconnect.
func (l *Link) Connect(ctx context.Context, name string, baud int) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	l.closePort()

	if name == "" {
		return &domain.LinkError{Kind: domain.LinkOpen, Op: "OPEN", Err: errors.New("no serial port configured")}
	}

	p, err := l.open(name, baud)
	if err != nil {
		l.log.WithError(err).Errorf("failed to open %s", name)
		return &domain.LinkError{Kind: domain.LinkOpen, Op: "OPEN", Err: err}
	}
	if err := p.SetReadTimeout(l.cfg.PollInterval); err != nil {
		p.Close()
		return &domain.LinkError{Kind: domain.LinkOpen, Op: "OPEN", Err: fmt.Errorf("set read timeout: %w", err)}
	}

	if l.cfg.SettleDelay > 0 {
		t := time.NewTimer(l.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			p.Close()
			return ctx.Err()
		}
	}

	l.mu.Lock()
	l.port, l.name, l.baud = p, name, baud
	l.state = StateConnected
	l.mu.Unlock()
	l.rbuf = l.rbuf[:0]

	observability.LinkConnected.Set(1)
	l.log.Infof("connected to %s at %d baud", name, baud)
	return nil
}

// Disconnect closes the channel. It waits for an in-flight command to
// finish and is safe to call when already disconnected.
func (l *Link) Disconnect() error {
	_ = l.acquire(context.Background())
	defer l.release()
	return l.closePort()
}

// closePort must be called while holding the slot.
func (l *Link) closePort() error {
	l.mu.Lock()
	p := l.port
	l.port = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	if p == nil {
		return nil
	}
	observability.LinkConnected.Set(0)
	l.log.Info("serial connection closed")
	return p.Close()
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Port returns the name and baud rate of the open channel.
func (l *Link) Port() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name, l.baud
}

// ─── Commands ───────────────────────────────────────────────────────────────

// Ping sends PING and discards whatever comes back. It only proves the
// channel accepts writes.
func (l *Link) Ping(ctx context.Context) bool {
	err := l.run(ctx, "PING", func(p Port, ex *observability.Exchange) error {
		ex.Attempts = 1
		if err := l.send(p, "PING"); err != nil {
			return err
		}
		l.pause(l.cfg.ResetPause)
		l.drain(p, ex)
		return nil
	})
	if err != nil {
		l.log.WithError(err).Warn("ping failed")
		return false
	}
	return true
}

// ReadCard requests the card on the reader and returns its raw
// "UID[:CONTENT]" payload.
func (l *Link) ReadCard(ctx context.Context) (string, error) {
	var payload string
	err := l.run(ctx, "READ", func(p Port, ex *observability.Exchange) error {
		return l.retry(ex, func() error {
			if err := l.send(p, "READ"); err != nil {
				return err
			}
			return l.await(p, ex, l.cfg.ReadTimeout, func(f Frame) bool {
				if f.Kind == FrameUID {
					payload = f.Data
					return true
				}
				return false
			})
		})
	})
	if err != nil {
		return "", err
	}
	l.log.Infof("card read: %s", payload)
	return payload, nil
}

// WriteCard stores data on the card held on the reader. A best-effort RESET
// precedes the write; its failure is logged and ignored.
func (l *Link) WriteCard(ctx context.Context, data string) (uid, written string, err error) {
	if data == "" || strings.ContainsAny(data, "\r\n") {
		return "", "", domain.ErrDataInvalid
	}
	err = l.run(ctx, "WRITE", func(p Port, ex *observability.Exchange) error {
		l.reset(p, ex)
		return l.retry(ex, func() error {
			if err := l.send(p, "WRITE:"+data); err != nil {
				return err
			}
			return l.await(p, ex, l.cfg.WriteTimeout, func(f Frame) bool {
				if f.Kind == FrameWrote {
					uid, written = f.UID, f.Data
					return true
				}
				return false
			})
		})
	})
	if err != nil {
		return "", "", err
	}
	l.log.Infof("card %s written with %s", uid, written)
	return uid, written, nil
}

// ReadHistoryBlocks reads the history regions of the card. Blocks outside
// the history range are dropped.
func (l *Link) ReadHistoryBlocks(ctx context.Context) (string, []domain.HistoryBlock, error) {
	var (
		uid    string
		blocks []domain.HistoryBlock
	)
	err := l.run(ctx, "READ_HISTORY", func(p Port, ex *observability.Exchange) error {
		return l.retry(ex, func() error {
			uid, blocks = "", nil
			started := false
			if err := l.send(p, "READ_HISTORY"); err != nil {
				return err
			}
			return l.await(p, ex, l.cfg.HistoryTimeout, func(f Frame) bool {
				switch f.Kind {
				case FrameHistoryStart:
					started, uid, blocks = true, f.UID, nil
				case FrameHistoryBlock:
					if !started {
						return false
					}
					if f.Block < domain.HistoryFirstBlock || f.Block > domain.HistoryLastBlock {
						l.log.Warnf("ignoring history block %d outside %d-%d", f.Block, domain.HistoryFirstBlock, domain.HistoryLastBlock)
						return false
					}
					blocks = append(blocks, domain.HistoryBlock{Index: f.Block, Text: f.Data})
				case FrameHistoryEnd:
					return started
				}
				return false
			})
		})
	})
	if err != nil {
		return "", nil, err
	}
	l.log.Infof("history read from %s: %d block(s)", uid, len(blocks))
	return uid, blocks, nil
}

// ClearHistory wipes the card's history regions.
func (l *Link) ClearHistory(ctx context.Context) (string, error) {
	var uid string
	err := l.run(ctx, "CLEAR_HISTORY", func(p Port, ex *observability.Exchange) error {
		return l.retry(ex, func() error {
			if err := l.send(p, "CLEAR_HISTORY"); err != nil {
				return err
			}
			return l.await(p, ex, l.cfg.WriteTimeout, func(f Frame) bool {
				if f.Kind == FrameHistoryCleared {
					uid = f.UID
					return true
				}
				return false
			})
		})
	})
	if err != nil {
		return "", err
	}
	l.log.Infof("history cleared on %s", uid)
	return uid, nil
}

// ─── Exchange Machinery ─────────────────────────────────────────────────────

func (l *Link) acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) release() { <-l.slot }

// run holds the slot for one full command. Once the slot is taken the
// command runs to completion; ctx only bounds the wait for the slot.
func (l *Link) run(ctx context.Context, command string, fn func(Port, *observability.Exchange) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	l.mu.Lock()
	if l.state != StateConnected || l.port == nil {
		l.mu.Unlock()
		return &domain.LinkError{Kind: domain.LinkNotConnected, Op: command}
	}
	p := l.port
	l.state = StateBusy
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.state == StateBusy {
			l.state = StateConnected
		}
		l.mu.Unlock()
	}()

	ex := l.journal.Begin(command)
	err := fn(p, ex)
	l.journal.End(ex, outcomeOf(err), err)
	return err
}

// retry repeats attempt while it times out, up to the attempt budget.
func (l *Link) retry(ex *observability.Exchange, attempt func() error) error {
	for n := 1; n <= l.cfg.Attempts; n++ {
		ex.Attempts = n
		err := attempt()
		if !errors.Is(err, errWindowElapsed) {
			return err
		}
		if n < l.cfg.Attempts {
			observability.LinkRetries.WithLabelValues(ex.Command).Inc()
			l.log.Debugf("%s attempt %d timed out, retrying", ex.Command, n)
			l.pause(l.cfg.RetryPause)
		}
	}
	return &domain.LinkError{Kind: domain.LinkTimeout, Op: ex.Command, Attempts: l.cfg.Attempts}
}

// send clears stale input and writes one command line.
func (l *Link) send(p Port, command string) error {
	l.rbuf = l.rbuf[:0]
	if err := p.ResetInputBuffer(); err != nil {
		return &domain.LinkError{Kind: domain.LinkIO, Op: opName(command), Err: err}
	}
	if _, err := p.Write([]byte(command + "\n")); err != nil {
		return &domain.LinkError{Kind: domain.LinkIO, Op: opName(command), Err: err}
	}
	l.log.Debugf("sent %s", command)
	return nil
}

// await reads lines until accept reports a terminal frame, the device
// reports an error, or the window elapses. STATUS and unknown lines keep
// the wait going.
func (l *Link) await(p Port, ex *observability.Exchange, window time.Duration, accept func(Frame) bool) error {
	deadline := time.Now().Add(window)
	for {
		line, err := l.readLine(p, deadline)
		if err != nil {
			if errors.Is(err, errWindowElapsed) {
				return err
			}
			return &domain.LinkError{Kind: domain.LinkIO, Op: ex.Command, Err: err}
		}
		ex.AddLine(line)

		f := ParseFrame(line)
		switch f.Kind {
		case FrameError:
			l.log.Warnf("%s failed on device: %s", ex.Command, f.Msg)
			return &domain.LinkError{Kind: domain.LinkDeviceReported, Op: ex.Command, Msg: f.Msg}
		case FrameStatus:
			l.log.Debugf("device status: %s", f.Msg)
			continue
		}
		if accept(f) {
			return nil
		}
		l.log.Debugf("ignoring %s during %s: %q", f.Kind, ex.Command, line)
	}
}

// reset sends RESET and discards the reply. Failures are not fatal.
func (l *Link) reset(p Port, ex *observability.Exchange) {
	if err := l.send(p, "RESET"); err != nil {
		l.log.WithError(err).Warn("could not send RESET before write")
		return
	}
	l.pause(l.cfg.ResetPause)
	l.drain(p, ex)
}

// drain discards every line already waiting on the port.
func (l *Link) drain(p Port, ex *observability.Exchange) {
	for {
		line, err := l.readLine(p, time.Now().Add(l.cfg.PollInterval))
		if err != nil {
			break
		}
		ex.AddLine(line)
	}
	l.rbuf = l.rbuf[:0]
}

// readLine returns the next non-empty line, or errWindowElapsed once
// deadline passes with no complete line buffered.
func (l *Link) readLine(p Port, deadline time.Time) (string, error) {
	buf := make([]byte, 256)
	for {
		if line, ok := l.popLine(); ok {
			if line == "" {
				continue
			}
			return line, nil
		}
		if !time.Now().Before(deadline) {
			return "", errWindowElapsed
		}
		n, err := p.Read(buf)
		if n > 0 {
			l.rbuf = append(l.rbuf, buf[:n]...)
		}
		if err != nil {
			return "", err
		}
	}
}

func (l *Link) popLine() (string, bool) {
	i := bytes.IndexByte(l.rbuf, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimSpace(strings.ToValidUTF8(string(l.rbuf[:i]), ""))
	l.rbuf = l.rbuf[i+1:]
	return line, true
}

func (l *Link) pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// opName strips the argument from a command line ("WRITE:100" → "WRITE").
func opName(command string) string {
	name, _, _ := strings.Cut(command, ":")
	return name
}

func outcomeOf(err error) observability.Outcome {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, domain.ErrLinkDeviceReported):
		return observability.OutcomeDevice
	case errors.Is(err, domain.ErrLinkTimeout):
		return observability.OutcomeTimeout
	default:
		return observability.OutcomeIO
	}
}

var _ domain.Device = (*Link)(nil)
