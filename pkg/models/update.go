package models

type UpdateKind string

const (
	KindSnapshot    UpdateKind = "snapshot"
	KindIncremental UpdateKind = "incremental"
)

// OrderbookUpdate carries exactly one of Snapshot or Incremental.
type OrderbookUpdate struct {
	Snapshot    *OrderbookSnapshot
	Incremental *OrderbookIncremental
}

func NewSnapshotUpdate(s OrderbookSnapshot) OrderbookUpdate {
	return OrderbookUpdate{Snapshot: &s}
}

func NewIncrementalUpdate(inc OrderbookIncremental) OrderbookUpdate {
	return OrderbookUpdate{Incremental: &inc}
}

// Kind reports which variant is set; an empty update has no kind.
func (u OrderbookUpdate) Kind() UpdateKind {
	switch {
	case u.Snapshot != nil:
		return KindSnapshot
	case u.Incremental != nil:
		return KindIncremental
	default:
		return ""
	}
}

func (u OrderbookUpdate) InstrumentID() int32 {
	switch {
	case u.Snapshot != nil:
		return u.Snapshot.InstrumentID
	case u.Incremental != nil:
		return u.Incremental.InstrumentID
	default:
		return 0
	}
}
