package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/gregtusar/quantflow/pkg/models"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrEmptyUpdate = errors.New("protocol: update carries neither snapshot nor incremental")
	errWireType    = errors.New("protocol: unexpected wire type")
)

// Field numbers, see proto/market_data.proto.
const (
	levelPrice    protowire.Number = 1
	levelQuantity protowire.Number = 2

	snapshotInstrument protowire.Number = 1
	snapshotBids       protowire.Number = 2
	snapshotAsks       protowire.Number = 3
	snapshotTimestamp  protowire.Number = 4

	incrementalInstrument protowire.Number = 1
	incrementalTimestamp  protowire.Number = 2
	incrementalIsBid      protowire.Number = 3
	incrementalType       protowire.Number = 4
	incrementalLevel      protowire.Number = 5

	updateSnapshot    protowire.Number = 1
	updateIncremental protowire.Number = 2

	instrumentID     protowire.Number = 1
	instrumentSymbol protowire.Number = 2
	instrumentDepth  protowire.Number = 3

	instrumentsList protowire.Number = 1

	subscriptionInstrument protowire.Number = 1
)

// MarshalUpdate encodes u as a marketdata.OrderbookUpdate message.
func MarshalUpdate(u models.OrderbookUpdate) ([]byte, error) {
	switch {
	case u.Snapshot != nil:
		return appendMessage(nil, updateSnapshot, appendSnapshot(nil, *u.Snapshot)), nil
	case u.Incremental != nil:
		return appendMessage(nil, updateIncremental, appendIncremental(nil, *u.Incremental)), nil
	default:
		return nil, ErrEmptyUpdate
	}
}

// UnmarshalUpdate decodes a marketdata.OrderbookUpdate. Unknown fields are
// skipped; if both variants appear the last one wins.
func UnmarshalUpdate(b []byte) (models.OrderbookUpdate, error) {
	var u models.OrderbookUpdate
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case updateSnapshot:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			snap, err := unmarshalSnapshot(v)
			if err != nil {
				return 0, fmt.Errorf("snapshot: %w", err)
			}
			u = models.NewSnapshotUpdate(snap)
			return n, nil
		case updateIncremental:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			inc, err := unmarshalIncremental(v)
			if err != nil {
				return 0, fmt.Errorf("incremental: %w", err)
			}
			u = models.NewIncrementalUpdate(inc)
			return n, nil
		}
		return skipField(num, typ, b)
	})
	return u, err
}

func appendSnapshot(b []byte, s models.OrderbookSnapshot) []byte {
	b = appendInt32(b, snapshotInstrument, s.InstrumentID)
	for _, l := range s.Bids {
		b = appendMessage(b, snapshotBids, appendLevel(nil, l))
	}
	for _, l := range s.Asks {
		b = appendMessage(b, snapshotAsks, appendLevel(nil, l))
	}
	return appendInt64(b, snapshotTimestamp, s.Timestamp)
}

func unmarshalSnapshot(b []byte) (models.OrderbookSnapshot, error) {
	var s models.OrderbookSnapshot
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapshotInstrument:
			v, n, err := consumeVarint(typ, b)
			s.InstrumentID = int32(v)
			return n, err
		case snapshotTimestamp:
			v, n, err := consumeVarint(typ, b)
			s.Timestamp = int64(v)
			return n, err
		case snapshotBids, snapshotAsks:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			l, err := unmarshalLevel(v)
			if err != nil {
				return 0, err
			}
			if num == snapshotBids {
				s.Bids = append(s.Bids, l)
			} else {
				s.Asks = append(s.Asks, l)
			}
			return n, nil
		}
		return skipField(num, typ, b)
	})
	return s, err
}

func appendIncremental(b []byte, inc models.OrderbookIncremental) []byte {
	b = appendInt32(b, incrementalInstrument, inc.InstrumentID)
	b = appendInt64(b, incrementalTimestamp, inc.Timestamp)
	if inc.IsBid {
		b = protowire.AppendTag(b, incrementalIsBid, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendInt32(b, incrementalType, int32(inc.UpdateType))
	return appendMessage(b, incrementalLevel, appendLevel(nil, inc.Level))
}

func unmarshalIncremental(b []byte) (models.OrderbookIncremental, error) {
	var inc models.OrderbookIncremental
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case incrementalInstrument:
			v, n, err := consumeVarint(typ, b)
			inc.InstrumentID = int32(v)
			return n, err
		case incrementalTimestamp:
			v, n, err := consumeVarint(typ, b)
			inc.Timestamp = int64(v)
			return n, err
		case incrementalIsBid:
			v, n, err := consumeVarint(typ, b)
			inc.IsBid = v != 0
			return n, err
		case incrementalType:
			v, n, err := consumeVarint(typ, b)
			inc.UpdateType = models.UpdateType(int32(v))
			return n, err
		case incrementalLevel:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			inc.Level, err = unmarshalLevel(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
	return inc, err
}

func appendLevel(b []byte, l models.PriceLevel) []byte {
	b = appendDouble(b, levelPrice, l.Price)
	return appendDouble(b, levelQuantity, l.Quantity)
}

func unmarshalLevel(b []byte) (models.PriceLevel, error) {
	var l models.PriceLevel
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case levelPrice:
			v, n, err := consumeDouble(typ, b)
			l.Price = v
			return n, err
		case levelQuantity:
			v, n, err := consumeDouble(typ, b)
			l.Quantity = v
			return n, err
		}
		return skipField(num, typ, b)
	})
	return l, err
}

// appendInstrument leaves out the underlying symbol, which stays server side.
func appendInstrument(b []byte, inst models.Instrument) []byte {
	b = appendInt32(b, instrumentID, inst.ID)
	b = appendString(b, instrumentSymbol, inst.Symbol)
	return appendInt32(b, instrumentDepth, int32(inst.Depth))
}

func unmarshalInstrument(b []byte) (models.Instrument, error) {
	var inst models.Instrument
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case instrumentID:
			v, n, err := consumeVarint(typ, b)
			inst.ID = int32(v)
			return n, err
		case instrumentSymbol:
			v, n, err := consumeBytes(typ, b)
			inst.Symbol = string(v)
			return n, err
		case instrumentDepth:
			v, n, err := consumeVarint(typ, b)
			inst.Depth = int(int32(v))
			return n, err
		}
		return skipField(num, typ, b)
	})
	return inst, err
}

func (r *InstrumentsResponse) marshal() []byte {
	var b []byte
	for _, inst := range r.Instruments {
		b = appendMessage(b, instrumentsList, appendInstrument(nil, inst))
	}
	return b
}

func (r *InstrumentsResponse) unmarshal(b []byte) error {
	r.Instruments = nil
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != instrumentsList {
			return skipField(num, typ, b)
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		inst, err := unmarshalInstrument(v)
		if err != nil {
			return 0, fmt.Errorf("instrument: %w", err)
		}
		r.Instruments = append(r.Instruments, inst)
		return n, nil
	})
}

func (r *SubscriptionRequest) marshal() []byte {
	return appendInt32(nil, subscriptionInstrument, r.InstrumentID)
}

func (r *SubscriptionRequest) unmarshal(b []byte) error {
	r.InstrumentID = 0
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != subscriptionInstrument {
			return skipField(num, typ, b)
		}
		v, n, err := consumeVarint(typ, b)
		r.InstrumentID = int32(v)
		return n, err
	})
}

// Zero scalars are omitted, as proto3 does.

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// consumeFields walks the fields of one message. fn returns how many bytes
// of the field value it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
