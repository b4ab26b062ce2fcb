package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/quantflow/pkg/binance"
	"github.com/spf13/cobra"
)

func newSymbolsCmd() *cobra.Command {
	var (
		verify bool
		filter string
	)
	cmd := &cobra.Command{
		Use:   "symbols",
		Short: "List Binance symbols open for trading",
		Run: func(cmd *cobra.Command, args []string) {
			runSymbols(verify, filter)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "only check that every configured instrument's feed symbol is trading")
	cmd.Flags().StringVar(&filter, "quote", "", "only list symbols ending in this quote asset, e.g. USDT")
	return cmd
}

func runSymbols(verify bool, quote string) {
	cfg := setup()
	client := binance.NewClient(cfg.Feed.RESTURL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if verify {
		reg, err := cfg.Registry()
		if err != nil {
			logger.WithError(err).Fatal("Failed to build instrument registry")
		}
		if err := client.VerifySymbols(ctx, reg.Underlyings()); err != nil {
			logger.WithError(err).Fatal("Symbol verification failed")
		}
		fmt.Printf("all %d feed symbols are trading\n", len(reg.Underlyings()))
		return
	}

	symbols, err := client.TradingSymbols(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to fetch symbols")
	}
	quote = strings.ToUpper(quote)
	for _, s := range symbols {
		if quote == "" || strings.HasSuffix(s, quote) {
			fmt.Println(s)
		}
	}
}
