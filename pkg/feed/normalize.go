package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/shopspring/decimal"
)

// rawDepth accepts both the partial book depth payload (bids/asks/lastUpdateId)
// and the diff depth payload (b/a/u).
type rawDepth struct {
	Bids          []rawLevel `json:"bids"`
	Asks          []rawLevel `json:"asks"`
	DiffBids      []rawLevel `json:"b"`
	DiffAsks      []rawLevel `json:"a"`
	LastUpdateID  int64      `json:"lastUpdateId"`
	FinalUpdateID int64      `json:"u"`
}

// rawLevel is a [price, quantity] pair; entries may be strings or numbers.
type rawLevel []json.RawMessage

// Normalize turns one upstream frame into a snapshot. ok is false for frames
// that carry no bid or no ask list; those are not errors. A frame that cannot
// be decoded is a protocol error.
func Normalize(symbol string, frame []byte, now time.Time) (snap models.FeedSnapshot, ok bool, err error) {
	var raw rawDepth
	if err := json.Unmarshal(frame, &raw); err != nil {
		return models.FeedSnapshot{}, false, fmt.Errorf("decode depth frame: %w", err)
	}

	bidsRaw, asksRaw := raw.Bids, raw.Asks
	if bidsRaw == nil && asksRaw == nil {
		bidsRaw, asksRaw = raw.DiffBids, raw.DiffAsks
	}
	if bidsRaw == nil || asksRaw == nil {
		return models.FeedSnapshot{}, false, nil
	}

	bids, err := parseLevels(bidsRaw)
	if err != nil {
		return models.FeedSnapshot{}, false, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(asksRaw)
	if err != nil {
		return models.FeedSnapshot{}, false, fmt.Errorf("asks: %w", err)
	}

	updateID := raw.LastUpdateID
	if updateID == 0 {
		updateID = raw.FinalUpdateID
	}

	return models.FeedSnapshot{
		Symbol:       models.NormalizeSymbol(symbol),
		Bids:         NormalizeLevels(bids, true),
		Asks:         NormalizeLevels(asks, false),
		Timestamp:    now.UnixMilli(),
		LastUpdateID: updateID,
	}, true, nil
}

// NormalizeLevels drops levels without positive quantity and sorts by price,
// descending for bids. The input is not modified.
func NormalizeLevels(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Quantity > 0 {
			out = append(out, lvl)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func parseLevels(raw []rawLevel) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for i, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, quantity], got %d fields", i, len(entry))
		}
		price, err := parseNumber(entry[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		qty, err := parseNumber(entry[1])
		if err != nil {
			return nil, fmt.Errorf("level %d quantity: %w", i, err)
		}
		if !qty.IsPositive() {
			continue
		}
		levels = append(levels, models.PriceLevel{
			Price:    price.InexactFloat64(),
			Quantity: qty.InexactFloat64(),
		})
	}
	return levels, nil
}

func parseNumber(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	s := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return decimal.Decimal{}, err
		}
		s = unquoted
	}
	return decimal.NewFromString(s)
}

type depthFrame struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// EncodeFrame renders levels in the partial book depth wire shape.
func EncodeFrame(bids, asks []models.PriceLevel, updateID int64) ([]byte, error) {
	frame := depthFrame{
		LastUpdateID: updateID,
		Bids:         encodeLevels(bids),
		Asks:         encodeLevels(asks),
	}
	return json.Marshal(frame)
}

func encodeLevels(levels []models.PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, lvl := range levels {
		out[i] = [2]string{
			decimal.NewFromFloat(lvl.Price).String(),
			decimal.NewFromFloat(lvl.Quantity).String(),
		}
	}
	return out
}
