package protocol

import (
	"context"

	"github.com/gregtusar/quantflow/pkg/models"
	"google.golang.org/grpc"
)

// MarketDataClient calls marketdata.MarketDataService with the protocol codec
// forced on every call.
type MarketDataClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataClient(cc grpc.ClientConnInterface) *MarketDataClient {
	return &MarketDataClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

func (c *MarketDataClient) GetInstruments(ctx context.Context, opts ...grpc.CallOption) ([]models.Instrument, error) {
	out := new(InstrumentsResponse)
	if err := c.cc.Invoke(ctx, GetInstrumentsMethod, &Empty{}, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out.Instruments, nil
}

// SubscribeOrderbook opens the server stream. Cancel ctx to end it.
func (c *MarketDataClient) SubscribeOrderbook(ctx context.Context, instrumentID int32, opts ...grpc.CallOption) (*OrderbookSubscription, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeOrderbookMethod, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscriptionRequest{InstrumentID: instrumentID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OrderbookSubscription{stream: stream}, nil
}

type OrderbookSubscription struct {
	stream grpc.ClientStream
}

// Recv returns the next update, or io.EOF once the server ends the stream.
func (s *OrderbookSubscription) Recv() (*models.OrderbookUpdate, error) {
	m := new(models.OrderbookUpdate)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
