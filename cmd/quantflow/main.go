package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gregtusar/quantflow/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quantflow",
		Short: "Order book distribution engine",
		Long:  `Streams live order books from Binance, or a built-in simulator, to gRPC and websocket subscribers`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(
		newServeCmd(),
		newGatewayCmd(),
		newWatchCmd(),
		newInstrumentsCmd(),
		newSymbolsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads the configuration and initializes the shared logger from it.
func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(logger, cfg.Logging)
	return cfg
}

func configureLogger(l *logrus.Logger, cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.WithError(err).WithField("file", cfg.File).Error("Cannot open log file, logging to stdout only")
			return
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	}
}
