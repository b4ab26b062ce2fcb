package protocol

import "github.com/gregtusar/quantflow/pkg/models"

// Empty is the request of GetInstruments.
type Empty struct{}

type SubscriptionRequest struct {
	InstrumentID int32
}

type InstrumentsResponse struct {
	Instruments []models.Instrument
}
