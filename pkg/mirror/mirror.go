package mirror

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPrefix     = "quantflow:orderbook:"
	DefaultBufferSize = 256
	publishTimeout    = time.Second
)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes on Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (r *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type bookMessage struct {
	InstrumentID int32        `json:"instrument_id"`
	Timestamp    int64        `json:"timestamp"`
	Bids         [][2]float64 `json:"bids"`
	Asks         [][2]float64 `json:"asks"`
}

// Mirror republishes truncated books to an external channel per instrument.
// It is a passive observer: a slow or failing backend loses books instead of
// holding up distribution.
type Mirror struct {
	pub    Publisher
	prefix string
	logger *logrus.Logger

	buf     chan models.OrderbookSnapshot
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

func New(pub Publisher, prefix string, bufferSize int, logger *logrus.Logger) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Mirror{
		pub:    pub,
		prefix: prefix,
		logger: logger,
		buf:    make(chan models.OrderbookSnapshot, bufferSize),
		done:   make(chan struct{}),
	}
}

// Observe queues a book for publishing and never blocks.
func (m *Mirror) Observe(snap models.OrderbookSnapshot) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.buf <- snap:
	default:
		m.dropped.Add(1)
		metrics.MirrorDropped.Inc()
	}
}

func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Channel is the pub/sub channel for an instrument.
func (m *Mirror) Channel(instrumentID int32) string {
	return m.prefix + strconv.FormatInt(int64(instrumentID), 10)
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.WithField("prefix", m.prefix).Info("Orderbook mirror started")
}

// Close stops the publisher; books still buffered are discarded.
func (m *Mirror) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case snap := <-m.buf:
			m.publish(snap)
		}
	}
}

func (m *Mirror) publish(snap models.OrderbookSnapshot) {
	payload, err := json.Marshal(bookMessage{
		InstrumentID: snap.InstrumentID,
		Timestamp:    snap.Timestamp,
		Bids:         pairs(snap.Bids),
		Asks:         pairs(snap.Asks),
	})
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode mirrored book")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.pub.Publish(ctx, m.Channel(snap.InstrumentID), payload); err != nil {
		m.logger.WithError(err).WithField("instrument_id", snap.InstrumentID).Warn("Failed to mirror book")
	}
}

func pairs(levels []models.PriceLevel) [][2]float64 {
	out := make([][2]float64, len(levels))
	for i, l := range levels {
		out[i] = [2]float64{l.Price, l.Quantity}
	}
	return out
}
