package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newWatchCmd() *cobra.Command {
	var (
		instrumentID int32
		addr         string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live order book updates for one instrument",
		Run: func(cmd *cobra.Command, args []string) {
			runWatch(addr, instrumentID)
		},
	}
	cmd.Flags().Int32Var(&instrumentID, "instrument", 1, "instrument id to subscribe to")
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default gateway.upstream_addr)")
	return cmd
}

func newInstrumentsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "List the instruments a server publishes",
		Run: func(cmd *cobra.Command, args []string) {
			runInstruments(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default gateway.upstream_addr)")
	return cmd
}

func dialServer(addr string) (*grpc.ClientConn, *protocol.MarketDataClient) {
	cfg := setup()
	if addr == "" {
		addr = cfg.Gateway.UpstreamAddr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create client")
	}
	return conn, protocol.NewMarketDataClient(conn)
}

func runInstruments(addr string) {
	conn, client := dialServer(addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	insts, err := client.GetInstruments(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to list instruments")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tDEPTH")
	for _, inst := range insts {
		fmt.Fprintf(w, "%d\t%s\t%d\n", inst.ID, inst.Symbol, inst.Depth)
	}
	w.Flush()
}

func runWatch(addr string, instrumentID int32) {
	conn, client := dialServer(addr)
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub, err := client.SubscribeOrderbook(ctx, instrumentID)
	if err != nil {
		logger.WithError(err).Fatal("Failed to subscribe")
	}

	// books arrive every ~100ms; one line per second per kind is readable
	snapshots := rate.Sometimes{Interval: time.Second}
	incrementals := rate.Sometimes{Interval: time.Second}
	for {
		u, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithField("instrument_id", instrumentID).Fatal("Subscription ended")
		}
		switch u.Kind() {
		case models.KindSnapshot:
			snapshots.Do(func() { printSnapshot(os.Stdout, u.Snapshot) })
		case models.KindIncremental:
			incrementals.Do(func() { printIncremental(os.Stdout, u.Incremental) })
		}
	}
}

func printSnapshot(w io.Writer, s *models.OrderbookSnapshot) {
	fmt.Fprintf(w, "%s instrument=%d bids=%d asks=%d\n",
		time.UnixMilli(s.Timestamp).Format("15:04:05.000"), s.InstrumentID, len(s.Bids), len(s.Asks))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "BID QTY\tBID\tASK\tASK QTY\t")
	for i := 0; i < len(s.Bids) || i < len(s.Asks); i++ {
		var bid, ask string
		if i < len(s.Bids) {
			bid = fmt.Sprintf("%g\t%g", s.Bids[i].Quantity, s.Bids[i].Price)
		} else {
			bid = "\t"
		}
		if i < len(s.Asks) {
			ask = fmt.Sprintf("%g\t%g", s.Asks[i].Price, s.Asks[i].Quantity)
		} else {
			ask = "\t"
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", bid, ask)
	}
	tw.Flush()
}

func printIncremental(w io.Writer, inc *models.OrderbookIncremental) {
	side := "ask"
	if inc.IsBid {
		side = "bid"
	}
	fmt.Fprintf(w, "%s instrument=%d %s %s %g @ %g\n",
		time.UnixMilli(inc.Timestamp).Format("15:04:05.000"), inc.InstrumentID,
		inc.UpdateType, side, inc.Level.Quantity, inc.Level.Price)
}
