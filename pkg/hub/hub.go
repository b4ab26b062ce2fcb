package hub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/quantflow/pkg/binding"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/registry"
	"github.com/sirupsen/logrus"
)

var (
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrHubClosed          = errors.New("hub closed")
)

const (
	DefaultQueueSize           = 32
	DefaultInitialSnapshotWait = 2 * time.Second
)

type Option func(*Hub)

func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithInitialSnapshotWait bounds how long a new stream waits for its first
// book before entering the delivery loop empty-handed.
func WithInitialSnapshotWait(d time.Duration) Option {
	return func(h *Hub) {
		if d >= 0 {
			h.initialWait = d
		}
	}
}

// WithObserver attaches a passive sink to every binding the hub creates.
func WithObserver(fn func(models.OrderbookSnapshot)) Option {
	return func(h *Hub) {
		h.observer = fn
	}
}

// Hub fans instrument books out to subscriber sessions. Bindings are created
// on first use and kept for the life of the hub; they hold no upstream
// connection while unused.
type Hub struct {
	registry    *registry.Registry
	feed        binding.Feed
	logger      *logrus.Logger
	queueSize   int
	initialWait time.Duration
	observer    func(models.OrderbookSnapshot)

	mu       sync.Mutex
	bindings map[int32]*binding.Binding
	sessions map[int32]map[string]*Session
	closed   bool
}

func New(reg *registry.Registry, feed binding.Feed, logger *logrus.Logger, opts ...Option) *Hub {
	h := &Hub{
		registry:    reg,
		feed:        feed,
		logger:      logger,
		queueSize:   DefaultQueueSize,
		initialWait: DefaultInitialSnapshotWait,
		bindings:    make(map[int32]*binding.Binding),
		sessions:    make(map[int32]map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Instruments() []models.Instrument {
	return h.registry.All()
}

// Open validates the instrument and attaches a new session to its binding.
// Unknown instruments fail before anything is allocated.
func (h *Hub) Open(instrumentID int32) (*Session, error) {
	inst, ok := h.registry.Get(instrumentID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInstrumentNotFound, instrumentID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	b, ok := h.bindings[inst.ID]
	if !ok {
		var opts []binding.Option
		if h.observer != nil {
			opts = append(opts, binding.WithObserver(h.observer))
		}
		b = binding.New(inst, h.feed, h.logger, opts...)
		h.bindings[inst.ID] = b
	}

	s := newSession(h, b, inst, h.queueSize)
	set, ok := h.sessions[inst.ID]
	if !ok {
		set = make(map[string]*Session)
		h.sessions[inst.ID] = set
	}
	set[s.ID] = s

	b.Start()
	s.listenerID = b.AddListener(s.enqueue)

	metrics.ActiveSessions.WithLabelValues(instrumentLabel(inst.ID)).Set(float64(len(set)))
	s.log.WithField("sessions", len(set)).Info("Subscriber session opened")
	return s, nil
}

// Stream runs a full subscription: it opens a session, waits a bounded time
// for the first book, then forwards every queued update to send until ctx is
// cancelled, send fails or the hub shuts down. Consumer cancellation is not
// an error.
func (h *Hub) Stream(ctx context.Context, instrumentID int32, send func(*models.OrderbookUpdate) error) error {
	s, err := h.Open(instrumentID)
	if err != nil {
		return err
	}
	defer s.Close()

	waitCtx, cancel := context.WithTimeout(ctx, h.initialWait)
	update, err := s.Next(waitCtx)
	cancel()
	switch {
	case err == nil:
		if err := h.deliver(send, &update); err != nil {
			return err
		}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.log.WithField("waited", h.initialWait.String()).Debug("No initial snapshot yet, streaming without one")
	default:
		return streamEnd(ctx, err)
	}

	for {
		update, err := s.Next(ctx)
		if err != nil {
			return streamEnd(ctx, err)
		}
		if err := h.deliver(send, &update); err != nil {
			return err
		}
	}
}

func (h *Hub) deliver(send func(*models.OrderbookUpdate) error, update *models.OrderbookUpdate) error {
	if err := send(update); err != nil {
		return fmt.Errorf("send update: %w", err)
	}
	metrics.UpdatesDelivered.Inc()
	return nil
}

func streamEnd(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Sessions reports the number of open sessions for an instrument.
func (h *Hub) Sessions(instrumentID int32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[instrumentID])
}

// Binding returns the instrument's binding if one has been created.
func (h *Hub) Binding(instrumentID int32) (*binding.Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bindings[instrumentID]
	return b, ok
}

// Close ends every session with ErrHubClosed and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var open []*Session
	for _, set := range h.sessions {
		for _, s := range set {
			open = append(open, s)
		}
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(ErrHubClosed)
	}
	h.logger.WithField("sessions", len(open)).Info("Orderbook hub closed")
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.sessions[s.InstrumentID]
	delete(set, s.ID)
	if len(set) == 0 {
		delete(h.sessions, s.InstrumentID)
	}

	s.binding.RemoveListener(s.listenerID)
	s.binding.Stop()

	metrics.ActiveSessions.WithLabelValues(instrumentLabel(s.InstrumentID)).Set(float64(len(set)))
	s.log.WithFields(logrus.Fields{
		"sessions": len(set),
		"dropped":  s.Dropped(),
	}).Info("Subscriber session closed")
}

func instrumentLabel(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}
