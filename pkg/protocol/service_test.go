package protocol

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubServer struct {
	instruments []models.Instrument
	updates     []models.OrderbookUpdate
}

func (s *stubServer) GetInstruments(context.Context, *Empty) (*InstrumentsResponse, error) {
	return &InstrumentsResponse{Instruments: s.instruments}, nil
}

func (s *stubServer) SubscribeOrderbook(req *SubscriptionRequest, stream OrderbookStream) error {
	if req.InstrumentID != 1 {
		return status.Errorf(codes.NotFound, "instrument %d not found", req.InstrumentID)
	}
	for i := range s.updates {
		if err := stream.Send(&s.updates[i]); err != nil {
			return err
		}
	}
	return nil
}

func dialStub(t *testing.T, srv MarketDataServiceServer) *MarketDataClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ForceServerCodec(Codec{}))
	RegisterMarketDataServiceServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewMarketDataClient(conn)
}

func TestServiceOverGRPC(t *testing.T) {
	srv := &stubServer{
		instruments: []models.Instrument{{ID: 1, Symbol: "BTC", Depth: 10}},
		updates: []models.OrderbookUpdate{
			models.NewSnapshotUpdate(sampleSnapshot()),
			models.NewIncrementalUpdate(models.OrderbookIncremental{
				InstrumentID: 1,
				UpdateType:   models.UpdateTypeRemove,
				Level:        models.PriceLevel{Price: 50000},
			}),
		},
	}
	client := dialStub(t, srv)
	ctx := context.Background()

	insts, err := client.GetInstruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.instruments, insts)

	sub, err := client.SubscribeOrderbook(ctx, 1)
	require.NoError(t, err)

	first, err := sub.Recv()
	require.NoError(t, err)
	require.Equal(t, models.KindSnapshot, first.Kind())
	assert.Equal(t, sampleSnapshot(), *first.Snapshot)

	second, err := sub.Recv()
	require.NoError(t, err)
	require.Equal(t, models.KindIncremental, second.Kind())
	assert.Equal(t, models.UpdateTypeRemove, second.Incremental.UpdateType)

	_, err = sub.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServiceStatusPropagates(t *testing.T) {
	client := dialStub(t, &stubServer{})

	sub, err := client.SubscribeOrderbook(context.Background(), 99)
	require.NoError(t, err)
	_, err = sub.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}
