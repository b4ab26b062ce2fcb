package models

import (
	"strings"
)

// Instrument is a tradable book served to subscribers. Underlying is the
// external feed's symbol and never leaves the process.
type Instrument struct {
	ID         int32
	Symbol     string
	Depth      int
	Underlying string
}

type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderbookSnapshot is a full, depth-truncated book for one instrument.
// Bids are sorted best (highest) first, asks best (lowest) first.
type OrderbookSnapshot struct {
	InstrumentID int32
	Timestamp    int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

type UpdateType int32

const (
	UpdateTypeAdd     UpdateType = 0
	UpdateTypeRemove  UpdateType = 1
	UpdateTypeReplace UpdateType = 2
)

func (t UpdateType) String() string {
	switch t {
	case UpdateTypeAdd:
		return "ADD"
	case UpdateTypeRemove:
		return "REMOVE"
	case UpdateTypeReplace:
		return "REPLACE"
	default:
		return "UNKNOWN"
	}
}

// OrderbookIncremental is a single-level delta against the last snapshot.
type OrderbookIncremental struct {
	InstrumentID int32
	Timestamp    int64
	IsBid        bool
	UpdateType   UpdateType
	Level        PriceLevel
}

// FeedSnapshot is a normalized upstream book keyed by the underlying symbol.
type FeedSnapshot struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	Timestamp    int64
	LastUpdateID int64
}

// ForInstrument truncates the book to the instrument depth and tags it with
// the instrument id. The returned slices never alias the receiver.
func (s FeedSnapshot) ForInstrument(inst Instrument) OrderbookSnapshot {
	return OrderbookSnapshot{
		InstrumentID: inst.ID,
		Timestamp:    s.Timestamp,
		Bids:         Truncate(s.Bids, inst.Depth),
		Asks:         Truncate(s.Asks, inst.Depth),
	}
}

// Truncate returns a copy of at most depth levels.
func Truncate(levels []PriceLevel, depth int) []PriceLevel {
	if depth < 0 {
		depth = 0
	}
	n := len(levels)
	if n > depth {
		n = depth
	}
	out := make([]PriceLevel, n)
	copy(out, levels[:n])
	return out
}

// NormalizeSymbol is the canonical form used to key upstream symbols.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
