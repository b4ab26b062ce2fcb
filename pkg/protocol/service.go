package protocol

import (
	"context"

	"github.com/gregtusar/quantflow/pkg/models"
	"google.golang.org/grpc"
)

const (
	ServiceName              = "marketdata.MarketDataService"
	GetInstrumentsMethod     = "/marketdata.MarketDataService/GetInstruments"
	SubscribeOrderbookMethod = "/marketdata.MarketDataService/SubscribeOrderbook"
)

// MarketDataServiceServer is the server API for marketdata.MarketDataService.
type MarketDataServiceServer interface {
	GetInstruments(context.Context, *Empty) (*InstrumentsResponse, error)
	SubscribeOrderbook(*SubscriptionRequest, OrderbookStream) error
}

// OrderbookStream is the server side of SubscribeOrderbook.
type OrderbookStream interface {
	Send(*models.OrderbookUpdate) error
	grpc.ServerStream
}

// RegisterMarketDataServiceServer registers srv. The server must be built
// with grpc.ForceServerCodec(protocol.Codec{}).
func RegisterMarketDataServiceServer(s grpc.ServiceRegistrar, srv MarketDataServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getInstrumentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServiceServer).GetInstruments(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetInstrumentsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarketDataServiceServer).GetInstruments(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeOrderbookHandler(srv any, stream grpc.ServerStream) error {
	m := new(SubscriptionRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(MarketDataServiceServer).SubscribeOrderbook(m, &orderbookStream{stream})
}

type orderbookStream struct {
	grpc.ServerStream
}

func (x *orderbookStream) Send(m *models.OrderbookUpdate) error {
	return x.ServerStream.SendMsg(m)
}

// ServiceDesc is the grpc.ServiceDesc for marketdata.MarketDataService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketDataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetInstruments",
			Handler:    getInstrumentsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeOrderbook",
			Handler:       subscribeOrderbookHandler,
			ServerStreams: true,
		},
	},
	Metadata: "proto/market_data.proto",
}
