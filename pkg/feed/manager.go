package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Listener receives every normalized snapshot of a subscribed symbol, in
// upstream order, on the symbol's connection goroutine.
type Listener interface {
	OnFeedUpdate(snapshot models.FeedSnapshot) error
}

// ListenerFunc adapts a function to Listener. A ListenerFunc value is not
// comparable, so register a pointer to it when idempotent registration matters.
type ListenerFunc func(snapshot models.FeedSnapshot) error

func (f ListenerFunc) OnFeedUpdate(snapshot models.FeedSnapshot) error {
	return f(snapshot)
}

// Handle identifies one listener registration.
type Handle struct {
	Symbol string
	id     uint64
}

func (h Handle) Valid() bool {
	return h.id != 0
}

type Option func(*Manager)

// WithReconnectPolicy sets the factory for per-connection backoff policies.
func WithReconnectPolicy(newPolicy func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.newPolicy = newPolicy
	}
}

// WithDialLimiter throttles connection attempts across all symbols.
func WithDialLimiter(limiter *rate.Limiter) Option {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// Manager owns at most one upstream connection per underlying symbol and
// keeps it alive while the symbol has listeners.
type Manager struct {
	dialer    Dialer
	logger    *logrus.Logger
	newPolicy func() backoff.BackOff
	limiter   *rate.Limiter

	mu     sync.Mutex
	conns  map[string]*connection
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	latestMu sync.RWMutex
	latest   map[string]models.FeedSnapshot
}

func NewManager(dialer Dialer, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer: dialer,
		logger: logger,
		newPolicy: func() backoff.BackOff {
			return NewReconnectPolicy(DefaultReconnectDelay, 0)
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		conns:   make(map[string]*connection),
		latest:  make(map[string]models.FeedSnapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers l for symbol and starts the symbol's connection if it
// is the first listener. Registering the same listener twice returns the
// original handle.
func (m *Manager) Subscribe(symbol string, l Listener) Handle {
	symbol = models.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.logger.WithField("symbol", symbol).Warn("Subscribe on closed feed manager ignored")
		return Handle{}
	}

	c, ok := m.conns[symbol]
	if ok {
		if id := c.find(l); id != 0 {
			return Handle{Symbol: symbol, id: id}
		}
	} else {
		c = m.startConnection(symbol)
	}

	m.nextID++
	c.add(registration{id: m.nextID, listener: l})
	m.logger.WithFields(logrus.Fields{
		"symbol":    symbol,
		"listeners": c.count(),
	}).Debug("Feed listener added")
	return Handle{Symbol: symbol, id: m.nextID}
}

// Unsubscribe removes a registration. When the symbol has no listeners left
// its connection is cancelled and closed.
func (m *Manager) Unsubscribe(h Handle) {
	if !h.Valid() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[h.Symbol]
	if !ok || !c.remove(h.id) {
		return
	}
	if c.count() > 0 {
		return
	}

	delete(m.conns, h.Symbol)
	c.cancel()
	m.logger.WithField("symbol", h.Symbol).Info("Last feed listener removed, closing upstream connection")
}

// Latest returns the most recent snapshot seen for symbol, whether or not it
// is still subscribed.
func (m *Manager) Latest(symbol string) (models.FeedSnapshot, bool) {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	snap, ok := m.latest[models.NormalizeSymbol(symbol)]
	return snap, ok
}

// State reports the connection state of symbol; false if no task runs.
func (m *Manager) State(symbol string) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[models.NormalizeSymbol(symbol)]
	if !ok {
		return StateStopped, false
	}
	return c.currentState(), true
}

// Active lists the symbols that currently have a connection task.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for symbol := range m.conns {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Close stops every connection and waits for the tasks to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for symbol, c := range m.conns {
		c.cancel()
		delete(m.conns, symbol)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// reportState publishes a connection state unless a newer connection owns
// the symbol, so a task that is still exiting cannot clobber its successor.
func (m *Manager) reportState(c *connection, s ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[c.symbol]; ok && cur != c {
		return
	}
	metrics.FeedConnectionState.WithLabelValues(c.symbol).Set(float64(s))
}

func (m *Manager) startConnection(symbol string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := newConnection(symbol, m, cancel)
	m.conns[symbol] = c

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run(ctx)
	}()
	return c
}

func (m *Manager) storeLatest(snap models.FeedSnapshot) {
	m.latestMu.Lock()
	m.latest[snap.Symbol] = snap
	m.latestMu.Unlock()
}
