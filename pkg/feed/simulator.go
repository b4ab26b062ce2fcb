package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gregtusar/quantflow/pkg/models"
)

type SimulatorOptions struct {
	Interval   time.Duration
	Levels     int
	Seed       int64
	BasePrices map[string]float64
}

// SimulatedDialer produces synthetic partial-depth frames from a random walk
// around a base price per symbol. Every Dial starts an independent walk.
type SimulatedDialer struct {
	opts SimulatorOptions
}

func NewSimulatedDialer(opts SimulatorOptions) *SimulatedDialer {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Levels <= 0 {
		opts.Levels = 20
	}
	prices := make(map[string]float64, len(opts.BasePrices))
	for symbol, price := range opts.BasePrices {
		prices[models.NormalizeSymbol(symbol)] = price
	}
	opts.BasePrices = prices
	return &SimulatedDialer{opts: opts}
}

func (d *SimulatedDialer) Dial(ctx context.Context, symbol string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	symbol = models.NormalizeSymbol(symbol)
	mid, ok := d.opts.BasePrices[symbol]
	if !ok || mid <= 0 {
		mid = 100
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))

	return &simStream{
		rng:    rand.New(rand.NewSource(d.opts.Seed ^ int64(h.Sum64()))),
		mid:    mid,
		levels: d.opts.Levels,
		ticker: time.NewTicker(d.opts.Interval),
		done:   make(chan struct{}),
	}, nil
}

type simStream struct {
	rng      *rand.Rand
	mid      float64
	levels   int
	updateID int64
	ticker   *time.Ticker
	done     chan struct{}
	once     sync.Once
}

func (s *simStream) ReadFrame() ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrStreamClosed
	case <-s.ticker.C:
	}

	s.mid *= 1 + (s.rng.Float64()-0.5)*0.001
	tick := s.mid * 0.0001
	bestBid := roundPrice(s.mid-tick/2, tick)
	bestAsk := bestBid + tick

	bids := make([]models.PriceLevel, s.levels)
	asks := make([]models.PriceLevel, s.levels)
	for i := 0; i < s.levels; i++ {
		bids[i] = models.PriceLevel{Price: bestBid - float64(i)*tick, Quantity: s.quantity()}
		asks[i] = models.PriceLevel{Price: bestAsk + float64(i)*tick, Quantity: s.quantity()}
	}

	s.updateID++
	return EncodeFrame(bids, asks, s.updateID)
}

func (s *simStream) quantity() float64 {
	return math.Round((s.rng.Float64()*5+0.001)*1000) / 1000
}

func (s *simStream) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}

func roundPrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Floor(price/tick) * tick
}
