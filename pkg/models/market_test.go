package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForInstrumentTruncatesBothSides(t *testing.T) {
	snap := FeedSnapshot{
		Symbol:    "BTCUSDT",
		Timestamp: 1700000000000,
		Bids:      []PriceLevel{{100, 1}, {99.5, 2}, {99, 3}, {98.5, 4}, {98, 5}},
		Asks:      []PriceLevel{{100.5, 1.1}, {101, 2.2}, {101.5, 3.3}, {102, 4.4}, {102.5, 5.5}},
	}
	inst := Instrument{ID: 7, Symbol: "BTC", Depth: 2, Underlying: "BTCUSDT"}

	book := snap.ForInstrument(inst)

	assert.Equal(t, int32(7), book.InstrumentID)
	assert.Equal(t, snap.Timestamp, book.Timestamp)
	assert.Equal(t, []PriceLevel{{100, 1}, {99.5, 2}}, book.Bids)
	assert.Equal(t, []PriceLevel{{100.5, 1.1}, {101, 2.2}}, book.Asks)

	book.Bids[0].Quantity = 42
	assert.Equal(t, 1.0, snap.Bids[0].Quantity, "truncated book must not alias the feed book")
}

func TestTruncateShortAndNegativeDepth(t *testing.T) {
	levels := []PriceLevel{{1, 1}}
	assert.Equal(t, levels, Truncate(levels, 10))
	assert.Empty(t, Truncate(levels, -1))
	assert.Empty(t, Truncate(nil, 3))
}

func TestUpdateKind(t *testing.T) {
	snap := NewSnapshotUpdate(OrderbookSnapshot{InstrumentID: 3})
	assert.Equal(t, KindSnapshot, snap.Kind())
	assert.Equal(t, int32(3), snap.InstrumentID())

	inc := NewIncrementalUpdate(OrderbookIncremental{InstrumentID: 4, UpdateType: UpdateTypeRemove})
	assert.Equal(t, KindIncremental, inc.Kind())
	assert.Equal(t, int32(4), inc.InstrumentID())
	assert.Equal(t, "REMOVE", inc.Incremental.UpdateType.String())

	assert.Equal(t, UpdateKind(""), OrderbookUpdate{}.Kind())
}
