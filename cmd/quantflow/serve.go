package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregtusar/quantflow/api"
	"github.com/gregtusar/quantflow/internal/config"
	"github.com/gregtusar/quantflow/pkg/binance"
	"github.com/gregtusar/quantflow/pkg/feed"
	"github.com/gregtusar/quantflow/pkg/hub"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/mirror"
	"github.com/gregtusar/quantflow/pkg/registry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

func newServeCmd() *cobra.Command {
	var feedMode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC market data server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(feedMode)
		},
	}
	cmd.Flags().StringVar(&feedMode, "feed", "", "override feed.mode (binance or simulated)")
	return cmd
}

func runServe(feedMode string) {
	cfg := setup()
	if feedMode != "" {
		cfg.Feed.Mode = feedMode
		if err := cfg.Validate(); err != nil {
			logger.WithError(err).Fatal("Invalid --feed")
		}
	}

	reg, err := cfg.Registry()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build instrument registry")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialer, err := newDialer(ctx, cfg, reg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up market data feed")
	}
	manager := feed.NewManager(dialer, logger,
		feed.WithDialLimiter(rate.NewLimiter(rate.Limit(cfg.Feed.DialRate), cfg.Feed.DialBurst)),
		feed.WithReconnectPolicy(func() backoff.BackOff {
			return feed.NewReconnectPolicy(cfg.Feed.ReconnectDelay, cfg.Feed.ReconnectJitter)
		}),
	)

	hubOpts := []hub.Option{
		hub.WithQueueSize(cfg.Server.QueueSize),
		hub.WithInitialSnapshotWait(cfg.Server.InitialSnapshotWait),
	}

	var bookMirror *mirror.Mirror
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis not reachable yet, mirroring anyway")
		}
		pingCancel()

		bookMirror = mirror.New(mirror.NewRedisPublisher(client), cfg.Redis.Prefix, cfg.Redis.BufferSize, logger)
		bookMirror.Start()
		hubOpts = append(hubOpts, hub.WithObserver(bookMirror.Observe))
	}

	h := hub.New(reg, manager, logger, hubOpts...)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		logger.WithError(err).Fatal("Failed to listen")
	}
	grpcServer := api.NewGRPCServer(api.NewMarketDataServer(h, logger), logger)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.WithError(err).Error("gRPC server stopped")
			cancel()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"port":        cfg.Server.Port,
		"feed":        cfg.Feed.Mode,
		"instruments": len(reg.All()),
	}).Info("Market data server is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	// ending the sessions first lets streams finish with UNAVAILABLE
	h.Close()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	manager.Close()
	if bookMirror != nil {
		bookMirror.Close()
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("Market data server stopped")
}

func newDialer(ctx context.Context, cfg *config.Config, reg *registry.Registry) (feed.Dialer, error) {
	if cfg.Feed.Mode == config.FeedModeSimulated {
		logger.Info("Using simulated market data")
		return feed.NewSimulatedDialer(feed.SimulatorOptions{
			Interval:   cfg.Feed.Simulator.Interval,
			Levels:     cfg.Feed.Simulator.Levels,
			Seed:       cfg.Feed.Simulator.Seed,
			BasePrices: cfg.Feed.Simulator.BasePrices,
		}), nil
	}

	if cfg.Feed.VerifySymbols {
		verifyCtx, verifyCancel := context.WithTimeout(ctx, 15*time.Second)
		defer verifyCancel()
		if err := binance.NewClient(cfg.Feed.RESTURL).VerifySymbols(verifyCtx, reg.Underlyings()); err != nil {
			return nil, fmt.Errorf("verify symbols: %w", err)
		}
		logger.WithField("symbols", reg.Underlyings()).Info("Feed symbols verified")
	}

	logger.Info("Using market data from Binance")
	return binance.NewWebSocketDialer(binance.WebSocketConfig{
		URL:              cfg.Feed.URL,
		StreamSuffix:     cfg.Feed.StreamSuffix,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		PingInterval:     cfg.Feed.PingInterval,
		ReadTimeout:      cfg.Feed.ReadTimeout,
	}, logger), nil
}
