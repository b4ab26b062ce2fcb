package api

import (
	"context"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/protocol"
	"google.golang.org/grpc"
)

// GRPCSource feeds the gateway from the market data gRPC service.
type GRPCSource struct {
	client *protocol.MarketDataClient
}

func NewGRPCSource(cc grpc.ClientConnInterface) *GRPCSource {
	return &GRPCSource{client: protocol.NewMarketDataClient(cc)}
}

func (g *GRPCSource) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return g.client.GetInstruments(ctx)
}

func (g *GRPCSource) Subscribe(ctx context.Context, instrumentID int32) (UpdateStream, error) {
	sub, err := g.client.SubscribeOrderbook(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
