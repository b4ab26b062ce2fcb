package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/quantflow/api"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve order books to browsers over websocket/JSON",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	cfg := setup()

	conn, err := grpc.NewClient(cfg.Gateway.UpstreamAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create upstream client")
	}
	defer conn.Close()

	server := api.NewServer(api.NewGRPCSource(conn), logger, strconv.Itoa(cfg.Gateway.Port), cfg.Gateway.AllowedOrigins)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start gateway")
		}
	}()

	logger.WithField("upstream", cfg.Gateway.UpstreamAddr).Info("Gateway is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Gateway shutdown incomplete")
	}
	logger.Info("Gateway stopped")
}
