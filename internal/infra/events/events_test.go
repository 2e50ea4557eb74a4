package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frontdesk/cardesk/internal/domain"
)

type fakeConn struct {
	subject string
	data    [][]byte
	err     error
	drained bool
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subject = subj
	c.data = append(c.data, data)
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := newNATSPublisher(fc, "")

	ev := LedgerEvent{
		EntryID:      7,
		UID:          "AB12CD34",
		Kind:         domain.KindTopUp,
		Amount:       decimal.NewFromInt(25),
		BalanceAfter: decimal.NewFromInt(100),
		Employee:     "Receptionist",
		Timestamp:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if fc.subject != DefaultSubject {
		t.Errorf("subject = %q, want %q", fc.subject, DefaultSubject)
	}
	if len(fc.data) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.data))
	}

	var got map[string]any
	if err := json.Unmarshal(fc.data[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["uid"] != "AB12CD34" || got["kind"] != "topup" || got["balance_after"] != "100" || got["entry_id"] != float64(7) {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["notes"]; ok {
		t.Error("empty notes should be omitted")
	}

	if err := p.Close(); err != nil || !fc.drained {
		t.Errorf("Close() = %v, drained = %v", err, fc.drained)
	}
}

func TestNATSPublisher_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("connection closed")}
	p := newNATSPublisher(fc, "station.ledger")

	if err := p.Publish(context.Background(), LedgerEvent{UID: "X"}); err == nil {
		t.Error("Publish() should surface broker errors")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, LedgerEvent{UID: "X"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish(canceled) error = %v", err)
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), LedgerEvent{}); err != nil {
		t.Errorf("Noop.Publish() = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Noop.Close() = %v", err)
	}
}
