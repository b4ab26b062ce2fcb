package protocol

import (
	"fmt"

	"github.com/gregtusar/quantflow/pkg/models"
	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype the codec answers to. Stock protobuf clients
// speak the same wire format.
const Name = "proto"

var _ encoding.Codec = Codec{}

// Codec is a grpc codec for the marketdata messages. It is installed per
// server or per call rather than registered globally.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *models.OrderbookUpdate:
		return MarshalUpdate(*m)
	case *SubscriptionRequest:
		return m.marshal(), nil
	case *InstrumentsResponse:
		return m.marshal(), nil
	case *Empty:
		return nil, nil
	default:
		return nil, fmt.Errorf("protocol: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *models.OrderbookUpdate:
		u, err := UnmarshalUpdate(data)
		if err != nil {
			return err
		}
		*m = u
		return nil
	case *SubscriptionRequest:
		return m.unmarshal(data)
	case *InstrumentsResponse:
		return m.unmarshal(data)
	case *Empty:
		return nil
	default:
		return fmt.Errorf("protocol: cannot unmarshal into %T", v)
	}
}

func (Codec) Name() string {
	return Name
}
