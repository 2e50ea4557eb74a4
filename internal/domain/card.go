package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Card & Ledger Types ────────────────────────────────────────────────────
// A card's balance is a materialized cache of its ledger entries. It is never
// written directly; every change goes through an appended entry.

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	KindTopUp EntryKind = "topup"
	KindRead  EntryKind = "read"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	return k == KindTopUp || k == KindRead
}

// Card is the ledger's view of a physical stored-value card.
type Card struct {
	ID           int64           `json:"id"`
	UID          string          `json:"card_uid"`
	Balance      decimal.Decimal `json:"balance"`
	OfferPercent decimal.Decimal `json:"offer_percent"`
	CreatedAt    time.Time       `json:"created_at"`
	LastToppedAt *time.Time      `json:"last_topped_at,omitempty"`
	LastEmployee string          `json:"last_employee,omitempty"` // only filled by listings
}

// LedgerEntry is one immutable, signed balance change.
type LedgerEntry struct {
	ID                int64           `json:"id"`
	UID               string          `json:"card_uid"`
	Kind              EntryKind       `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Employee          string          `json:"employee,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	Notes             string          `json:"notes,omitempty"`
	AmountBeforeOffer decimal.Decimal `json:"amount_before_offer"`
	OfferAmount       decimal.Decimal `json:"offer_amount"`
	OfferPercent      decimal.Decimal `json:"offer_percent"`
}

// AppendRequest describes a new ledger entry. Amount is signed.
type AppendRequest struct {
	UID      string
	Kind     EntryKind
	Amount   decimal.Decimal
	Employee string
	Notes    string

	// Offer bookkeeping, zero when no offer applied.
	AmountBeforeOffer decimal.Decimal
	OfferAmount       decimal.Decimal
	OfferPercent      decimal.Decimal
}

// AppendResult is returned by a committed append.
type AppendResult struct {
	EntryID    int64           `json:"entry_id"`
	Balance    decimal.Decimal `json:"balance"`
	Previous   decimal.Decimal `json:"previous"`
	CardWasNew bool            `json:"card_was_new"`
}

// EntryFilter narrows a ledger query. Zero values mean "no bound".
type EntryFilter struct {
	UID  string
	From time.Time
	To   time.Time
}

// BalanceRepair records a card whose cached balance disagreed with its entries.
type BalanceRepair struct {
	UID string          `json:"card_uid"`
	Was decimal.Decimal `json:"was"`
	Now decimal.Decimal `json:"now"`
}

// CardMerge records duplicate stored UIDs folded into one canonical card.
type CardMerge struct {
	UID     string          `json:"card_uid"`
	From    []string        `json:"from"`
	Balance decimal.Decimal `json:"balance"`
}
