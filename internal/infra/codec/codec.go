// Package codec interprets what the card reader reports a card contains.
// Every function here is pure and total: any input string yields a
// classified payload, never an error or panic.
package codec

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/frontdesk/cardesk/internal/domain"
)

// NormalizeUID converts any raw scan of a card into its canonical key:
// the ":CONTENT" suffix is dropped, all whitespace removed, letters upper-cased.
func NormalizeUID(raw string) string {
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	return strings.ToUpper(stripped)
}

// Parse decodes a raw "UID[:CONTENT]" device payload.
func Parse(raw string) domain.Payload {
	uidPart, content, _ := strings.Cut(raw, ":")
	return domain.Payload{
		UID:     NormalizeUID(uidPart),
		Content: Classify(content),
		Raw:     raw,
	}
}

// Classify types the content cell of a card.
func Classify(content string) domain.Content {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Content{Kind: domain.ContentEmpty}
	}
	if content[0] == 'K' || content[0] == 'k' {
		if v, ok := parseAmount(content[1:]); ok {
			return domain.Content{Kind: domain.ContentKAmount, Amount: v}
		}
	}
	if v, ok := parseAmount(content); ok {
		return domain.Content{Kind: domain.ContentNumeric, Amount: v}
	}
	return domain.Content{Kind: domain.ContentText, Text: content}
}

// parseAmount accepts finite, non-negative decimal numbers.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d.Abs(), true // "-0" parses; keep it unsigned
}

// ValidateWriteData rejects strings the device cannot store.
func ValidateWriteData(data string) error {
	if data == "" || strings.ContainsAny(data, "\r\n") {
		return domain.ErrDataInvalid
	}
	if len(data) > domain.MaxCardData {
		return domain.ErrDataTooLong
	}
	return nil
}

// FormatTotal renders a balance for the card's data cell, with the K prefix
// when kStyle is set.
func FormatTotal(total decimal.Decimal, kStyle bool) string {
	s := total.String()
	if kStyle {
		return "K" + s
	}
	return s
}
