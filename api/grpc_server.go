package api

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gregtusar/quantflow/pkg/hub"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/protocol"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Distributor is the part of the hub the gRPC service needs.
type Distributor interface {
	Instruments() []models.Instrument
	Stream(ctx context.Context, instrumentID int32, send func(*models.OrderbookUpdate) error) error
}

// MarketDataServer implements protocol.MarketDataServiceServer on top of the hub.
type MarketDataServer struct {
	hub    Distributor
	logger *logrus.Logger
}

func NewMarketDataServer(h Distributor, logger *logrus.Logger) *MarketDataServer {
	return &MarketDataServer{hub: h, logger: logger}
}

func (s *MarketDataServer) GetInstruments(ctx context.Context, _ *protocol.Empty) (*protocol.InstrumentsResponse, error) {
	return &protocol.InstrumentsResponse{Instruments: s.hub.Instruments()}, nil
}

func (s *MarketDataServer) SubscribeOrderbook(req *protocol.SubscriptionRequest, stream protocol.OrderbookStream) error {
	ctx := stream.Context()
	err := s.hub.Stream(ctx, req.InstrumentID, stream.Send)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hub.ErrInstrumentNotFound):
		return status.Errorf(codes.NotFound, "instrument %d not found", req.InstrumentID)
	case errors.Is(err, hub.ErrHubClosed):
		return status.Error(codes.Unavailable, "server is shutting down")
	case ctx.Err() != nil:
		// send failed because the subscriber went away
		return nil
	default:
		s.logger.WithError(err).WithField("instrument_id", req.InstrumentID).Warn("Orderbook stream failed")
		return status.Errorf(codes.Internal, "stream failed: %v", err)
	}
}

// NewGRPCServer builds a grpc.Server with the protocol codec, logging and
// panic recovery, and registers srv on it.
func NewGRPCServer(srv protocol.MarketDataServiceServer, logger *logrus.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(protocol.Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(logger), recoveryUnaryInterceptor(logger)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(logger), recoveryStreamInterceptor(logger)),
	}
	s := grpc.NewServer(append(base, opts...)...)
	protocol.RegisterMarketDataServiceServer(s, srv)
	return s
}

func loggingUnaryInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := logger.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"duration": time.Since(start).String(),
			"code":     status.Code(err).String(),
		})
		if err != nil {
			entry.WithError(err).Warn("gRPC call failed")
		} else {
			entry.Debug("gRPC call completed")
		}
		return resp, err
	}
}

func loggingStreamInterceptor(logger *logrus.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		entry := logger.WithField("method", info.FullMethod)
		entry.Debug("gRPC stream opened")

		err := handler(srv, ss)

		entry = entry.WithFields(logrus.Fields{
			"duration": time.Since(start).String(),
			"code":     status.Code(err).String(),
		})
		if err != nil && status.Code(err) != codes.NotFound {
			entry.WithError(err).Warn("gRPC stream failed")
		} else {
			entry.Info("gRPC stream closed")
		}
		return err
	}
}

func recoveryUnaryInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(logger *logrus.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recovered(logger *logrus.Logger, method string, r any) error {
	logger.WithFields(logrus.Fields{
		"method": method,
		"panic":  fmt.Sprint(r),
		"stack":  string(debug.Stack()),
	}).Error("Recovered from panic in gRPC handler")
	return status.Error(codes.Internal, "internal error")
}
