package domain

import "github.com/shopspring/decimal"

// ─── Tag Payload ────────────────────────────────────────────────────────────
// What the reader reports a card contains, after normalization.

// MaxCardData is the widest string the device's storage cell accepts.
const MaxCardData = 11

// ContentKind classifies the data cell of a card.
type ContentKind int

const (
	ContentEmpty ContentKind = iota
	ContentNumeric
	ContentKAmount
	ContentText
)

func (k ContentKind) String() string {
	switch k {
	case ContentNumeric:
		return "numeric"
	case ContentKAmount:
		return "k_amount"
	case ContentText:
		return "text"
	default:
		return "empty"
	}
}

// MarshalText lets ContentKind appear by name in JSON.
func (k ContentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Content is the typed value stored on a card.
type Content struct {
	Kind   ContentKind     `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Text   string          `json:"text,omitempty"`
}

// Authoritative returns the on-card amount when it may drive reconciliation:
// numeric or K-prefixed and not negative.
func (c Content) Authoritative() (decimal.Decimal, bool) {
	switch c.Kind {
	case ContentNumeric, ContentKAmount:
		if c.Amount.IsNegative() {
			return decimal.Zero, false
		}
		return c.Amount, true
	}
	return decimal.Zero, false
}

// Payload is a decoded "UID[:CONTENT]" reply.
type Payload struct {
	UID     string  `json:"card_uid"`
	Content Content `json:"content"`
	Raw     string  `json:"raw"`
}
