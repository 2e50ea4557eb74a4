// Package observability records what the station does with its reader and
// ledger: Prometheus metrics for every subsystem, and an in-memory journal
// of recent device exchanges for diagnosing a flaky reader.
package observability

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Exchange Journal: ring buffer of device round trips
// ═══════════════════════════════════════════════════════════════════════════

// Outcome classifies how a device exchange ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeDevice  Outcome = "device_error"
	OutcomeTimeout Outcome = "timeout"
	OutcomeIO      Outcome = "io_error"
)

// Exchange is one command sent to the reader and every line it answered with.
type Exchange struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Lines     []string      `json:"lines,omitempty"`
	Attempts  int           `json:"attempts"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
}

// maxExchangeLines bounds how many reply lines one exchange keeps.
const maxExchangeLines = 64

// AddLine appends a reply line, dropping any beyond the per-exchange cap.
func (e *Exchange) AddLine(line string) {
	if len(e.Lines) < maxExchangeLines {
		e.Lines = append(e.Lines, line)
	}
}

// Journal keeps the most recent exchanges.
type Journal struct {
	mu        sync.Mutex
	exchanges []Exchange
	max       int
	enabled   bool
}

// JournalConfig configures the journal.
type JournalConfig struct {
	Enabled      bool
	MaxExchanges int // ring buffer size (default 500)
}

// DefaultJournalConfig returns production defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:      true,
		MaxExchanges: 500,
	}
}

// NewJournal creates a journal.
func NewJournal(cfg JournalConfig) *Journal {
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = DefaultJournalConfig().MaxExchanges
	}
	return &Journal{
		exchanges: make([]Exchange, 0, cfg.MaxExchanges),
		max:       cfg.MaxExchanges,
		enabled:   cfg.Enabled,
	}
}

// Begin starts tracking an exchange for command. Safe on a nil journal.
func (j *Journal) Begin(command string) *Exchange {
	return &Exchange{
		ID:        uuid.NewString(),
		Command:   command,
		StartTime: time.Now(),
	}
}

// End completes an exchange and records it.
func (j *Journal) End(ex *Exchange, outcome Outcome, err error) {
	if ex == nil {
		return
	}
	ex.Duration = time.Since(ex.StartTime)
	ex.Outcome = outcome
	if err != nil {
		ex.Error = err.Error()
	}

	LinkLatency.WithLabelValues(ex.Command).Observe(ex.Duration.Seconds())
	LinkCommands.WithLabelValues(ex.Command, string(outcome)).Inc()

	if j == nil || !j.enabled {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(j.exchanges) >= j.max {
		j.exchanges = j.exchanges[1:]
	}
	j.exchanges = append(j.exchanges, *ex)
}

// Recent returns up to limit of the newest exchanges, oldest first.
func (j *Journal) Recent(limit int) []Exchange {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 || limit > len(j.exchanges) {
		limit = len(j.exchanges)
	}
	start := len(j.exchanges) - limit
	out := make([]Exchange, limit)
	copy(out, j.exchanges[start:])
	return out
}

// Count returns the number of recorded exchanges.
func (j *Journal) Count() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.exchanges)
}

// Reset clears the journal.
func (j *Journal) Reset() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exchanges = j.exchanges[:0]
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Link Metrics ───────────────────────────────────────────────────────────

// LinkCommands counts finished device exchanges by command and outcome.
var LinkCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "link",
	Name:      "commands_total",
	Help:      "Device commands completed, by command and outcome.",
}, []string{"command", "outcome"})

// LinkRetries counts timed-out attempts that were retried.
var LinkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "link",
	Name:      "retries_total",
	Help:      "Attempts that timed out and were retried.",
}, []string{"command"})

// LinkLatency tracks full round-trip time including retries.
var LinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cardesk",
	Subsystem: "link",
	Name:      "round_trip_seconds",
	Help:      "Device round-trip time in seconds, retries included.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45},
}, []string{"command"})

// LinkConnected is 1 while a serial channel is open.
var LinkConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cardesk",
	Subsystem: "link",
	Name:      "connected",
	Help:      "Whether the reader channel is open (1) or not (0).",
})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// Reconciliations counts reconciliation passes by result
// (synced, in_sync, non_authoritative).
var Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "reconcile",
	Name:      "passes_total",
	Help:      "Reconciliation passes by result.",
}, []string{"result"})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerAppends counts committed ledger entries by kind.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "ledger",
	Name:      "appends_total",
	Help:      "Committed ledger entries by kind.",
}, []string{"kind"})

// LedgerFailures counts appends rolled back by a storage error.
var LedgerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "ledger",
	Name:      "append_failures_total",
	Help:      "Appends that failed and were rolled back.",
})

// ─── Poller Metrics ─────────────────────────────────────────────────────────

// PollScans counts auto-poll ticks by outcome.
var PollScans = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "poller",
	Name:      "scans_total",
	Help:      "Auto-poll scans by outcome.",
}, []string{"outcome"})

// ─── Event Metrics ──────────────────────────────────────────────────────────

// EventsPublished counts ledger events handed to the broker.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardesk",
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Ledger events published, by success.",
}, []string{"success"})
