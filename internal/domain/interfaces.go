package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Device is the request/response surface of the card reader/writer.
// Implementations serialize commands: one round trip on the wire at a time.
type Device interface {
	// Ping only checks the device answers.
	Ping(ctx context.Context) bool

	// ReadCard returns the raw "UID[:CONTENT]" payload of the card on the reader.
	ReadCard(ctx context.Context) (string, error)

	// WriteCard stores data on the card and returns the UID it landed on.
	WriteCard(ctx context.Context, data string) (uid, written string, err error)

	// ReadHistoryBlocks returns the raw history regions of the card.
	ReadHistoryBlocks(ctx context.Context) (uid string, blocks []HistoryBlock, err error)

	// ClearHistory wipes the history regions and returns the card UID.
	ClearHistory(ctx context.Context) (string, error)
}

// Ledger is the append-only store of card balances.
type Ledger interface {
	GetOrCreateCard(ctx context.Context, uid string) (Card, error)
	GetCard(ctx context.Context, uid string) (*Card, error)
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	LogRead(ctx context.Context, uid, employee string) (AppendResult, error)
	BalanceOf(ctx context.Context, uid string) (decimal.Decimal, error)
	EntriesFor(ctx context.Context, f EntryFilter) ([]LedgerEntry, error)
	DeleteCard(ctx context.Context, uid string) error
}
