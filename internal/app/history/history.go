// Package history decodes the label/price records stored in the card's
// history blocks. It shares the device with the rest of the station but has
// no effect on balances.
package history

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/codec"
)

// Reader reads and clears card history through the device.
type Reader struct {
	dev domain.Device
	log *log.Entry
}

// NewReader creates a Reader on dev.
func NewReader(dev domain.Device) *Reader {
	return &Reader{dev: dev, log: log.WithField("component", "history")}
}

// Read fetches the history blocks of the card on the reader and decodes them.
func (r *Reader) Read(ctx context.Context) (domain.CardHistory, error) {
	uid, blocks, err := r.dev.ReadHistoryBlocks(ctx)
	if err != nil {
		return domain.CardHistory{}, err
	}
	h := domain.CardHistory{
		UID:     codec.NormalizeUID(uid),
		Blocks:  blocks,
		Entries: Decode(blocks),
	}
	invalid := 0
	for _, e := range h.Entries {
		if !e.Valid() {
			invalid++
		}
	}
	r.log.WithField("uid", h.UID).Infof("history: %d entries (%d invalid) in %d blocks", len(h.Entries), invalid, len(blocks))
	return h, nil
}

// Clear wipes the history blocks of the card on the reader.
func (r *Reader) Clear(ctx context.Context) (string, error) {
	uid, err := r.dev.ClearHistory(ctx)
	if err != nil {
		return "", err
	}
	return codec.NormalizeUID(uid), nil
}

// Decode turns raw blocks into ordered entries. Blank or all-NUL blocks are
// skipped. Segments that do not split into a label and a price are kept
// with Price set to domain.InvalidPrice.
func Decode(blocks []domain.HistoryBlock) []domain.HistoryEntry {
	var entries []domain.HistoryEntry
	for _, b := range blocks {
		text := trim(b.Text)
		if text == "" {
			continue
		}
		for _, seg := range strings.Split(text, "#") {
			seg = trim(seg)
			if seg == "" {
				continue
			}
			entries = append(entries, decodeSegment(b.Index, seg))
		}
	}
	return entries
}

func decodeSegment(block int, seg string) domain.HistoryEntry {
	e := domain.HistoryEntry{Block: block, Label: seg, Price: domain.InvalidPrice, Raw: seg}
	label, price, ok := strings.Cut(seg, ":")
	if !ok {
		return e
	}
	label, price = trim(label), trim(price)
	if label == "" || price == "" {
		return e
	}
	e.Label, e.Price = label, price
	return e
}

// trim strips whitespace and NUL padding.
func trim(s string) string {
	return strings.Trim(s, " \t\r\n\x00")
}
