// Package events publishes committed ledger entries to a message broker so
// other station software (reports, displays) can follow balance changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// DefaultSubject is the NATS subject ledger events go to.
const DefaultSubject = "cardesk.ledger"

// LedgerEvent describes one committed ledger entry.
type LedgerEvent struct {
	EntryID      int64            `json:"entry_id"`
	UID          string           `json:"uid"`
	Kind         domain.EntryKind `json:"kind"`
	Amount       decimal.Decimal  `json:"amount"`
	BalanceAfter decimal.Decimal  `json:"balance_after"`
	Employee     string           `json:"employee,omitempty"`
	Notes        string           `json:"notes,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Publisher delivers ledger events. Publishing is best-effort: the ledger
// entry is already committed when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, ev LedgerEvent) error
	Close() error
}

// ─── No-op ──────────────────────────────────────────────────────────────────

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, LedgerEvent) error { return nil }
func (Noop) Close() error                              { return nil }

// ─── NATS ───────────────────────────────────────────────────────────────────

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON-encoded events on one subject.
type NATSPublisher struct {
	conn    conn
	subject string
	log     *log.Entry
}

// NATSConfig configures the broker connection.
type NATSConfig struct {
	URL     string
	Token   string
	Subject string
}

// Connect dials the broker.
func Connect(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("cardesk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	log.WithField("component", "events").Infof("publishing ledger events to %s", cfg.URL)
	return newNATSPublisher(nc, cfg.Subject), nil
}

func newNATSPublisher(c conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{
		conn:    c,
		subject: subject,
		log:     log.WithField("component", "events"),
	}
}

// Publish sends ev on the configured subject.
func (p *NATSPublisher) Publish(ctx context.Context, ev LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		observability.EventsPublished.WithLabelValues("false").Inc()
		p.log.WithError(err).Warnf("failed to publish entry %d", ev.EntryID)
		return err
	}
	observability.EventsPublished.WithLabelValues("true").Inc()
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*NATSPublisher)(nil)
)
