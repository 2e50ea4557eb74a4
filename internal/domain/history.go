package domain

// First and last card blocks used for history records.
const (
	HistoryFirstBlock = 9
	HistoryLastBlock  = 15
)

// HistoryBlock is one raw history region as reported by the reader.
type HistoryBlock struct {
	Index int    `json:"block"`
	Text  string `json:"text"`
}

// InvalidPrice marks a history segment that did not split into label:price.
const InvalidPrice = "invalid"

// HistoryEntry is one decoded label/price record.
type HistoryEntry struct {
	Block int    `json:"block"`
	Label string `json:"label"`
	Price string `json:"price"`
	Raw   string `json:"raw"`
}

// Valid reports whether the entry decoded cleanly.
func (e HistoryEntry) Valid() bool { return e.Price != InvalidPrice }

// CardHistory is the decoded history region of one card.
type CardHistory struct {
	UID     string         `json:"card_uid"`
	Blocks  []HistoryBlock `json:"blocks"`
	Entries []HistoryEntry `json:"entries"`
}
