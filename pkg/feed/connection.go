package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
)

type ConnState int32

const (
	StateStopped      ConnState = metrics.StateStopped
	StateDisconnected ConnState = metrics.StateDisconnected
	StateConnecting   ConnState = metrics.StateConnecting
	StateStreaming    ConnState = metrics.StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

type registration struct {
	id       uint64
	listener Listener
}

// connection is the task owning the upstream socket of one symbol. The socket
// is only touched by run; the listener list is replaced, never mutated in
// place, so a broadcast always iterates an immutable copy.
type connection struct {
	symbol  string
	manager *Manager
	cancel  context.CancelFunc
	state   atomic.Int32
	log     *logrus.Entry

	mu        sync.Mutex
	listeners []registration
}

func newConnection(symbol string, m *Manager, cancel context.CancelFunc) *connection {
	return &connection{
		symbol:  symbol,
		manager: m,
		cancel:  cancel,
		log:     m.logger.WithField("symbol", symbol),
	}
}

func (c *connection) find(l Listener) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.listeners {
		if sameListener(r.listener, l) {
			return r.id
		}
	}
	return 0
}

func (c *connection) add(r registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]registration, len(c.listeners), len(c.listeners)+1)
	copy(next, c.listeners)
	c.listeners = append(next, r)
}

func (c *connection) remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.listeners {
		if r.id != id {
			continue
		}
		next := make([]registration, 0, len(c.listeners)-1)
		next = append(next, c.listeners[:i]...)
		c.listeners = append(next, c.listeners[i+1:]...)
		return true
	}
	return false
}

func (c *connection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *connection) snapshotListeners() []registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

func (c *connection) currentState() ConnState {
	return ConnState(c.state.Load())
}

func (c *connection) setState(s ConnState) {
	c.state.Store(int32(s))
	c.manager.reportState(c, s)
	c.log.WithField("state", s.String()).Debug("Feed connection state changed")
}

func (c *connection) run(ctx context.Context) {
	policy := c.manager.newPolicy()
	defer c.setState(StateStopped)

	for {
		c.setState(StateConnecting)
		err := c.stream(ctx, policy)
		if ctx.Err() != nil {
			c.log.Info("Upstream feed stopped")
			return
		}

		c.setState(StateDisconnected)
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = DefaultReconnectDelay
		}
		metrics.FeedReconnects.WithLabelValues(c.symbol).Inc()
		c.log.WithError(err).WithField("retry_in", wait.String()).Warn("Upstream feed disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.log.Info("Upstream feed stopped")
			return
		case <-timer.C:
		}
	}
}

// stream dials once and pumps frames until the stream fails or ctx ends.
func (c *connection) stream(ctx context.Context, policy backoff.BackOff) error {
	if err := c.manager.limiter.Wait(ctx); err != nil {
		return err
	}

	s, err := c.manager.dialer.Dial(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.symbol, err)
	}
	defer s.Close()

	// done releases the reader if it is parked on a frame nobody will take.
	done := make(chan struct{})
	defer close(done)

	policy.Reset()
	c.setState(StateStreaming)
	c.log.Info("Connected to upstream feed")

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			frame, err := s.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("read %s: %w", c.symbol, err)
				default:
					return ctx.Err()
				}
			}
			if err := c.handleFrame(frame); err != nil {
				metrics.FeedFramesDiscarded.WithLabelValues(c.symbol, "malformed").Inc()
				return err
			}
		}
	}
}

func (c *connection) handleFrame(frame []byte) error {
	snap, ok, err := Normalize(c.symbol, frame, time.Now())
	if err != nil {
		return fmt.Errorf("malformed frame on %s: %w", c.symbol, err)
	}
	if !ok {
		metrics.FeedFramesDiscarded.WithLabelValues(c.symbol, "no_levels").Inc()
		return nil
	}

	c.manager.storeLatest(snap)
	for _, r := range c.snapshotListeners() {
		c.deliver(r, snap)
	}
	return nil
}

func (c *connection) deliver(r registration, snap models.FeedSnapshot) {
	defer func() {
		if p := recover(); p != nil {
			metrics.ListenerErrors.WithLabelValues(c.symbol).Inc()
			c.log.WithField("panic", p).Error("Feed listener panicked")
		}
	}()

	if err := r.listener.OnFeedUpdate(snap); err != nil {
		metrics.ListenerErrors.WithLabelValues(c.symbol).Inc()
		c.log.WithError(err).Error("Feed listener failed")
	}
}

// sameListener compares listeners without panicking on uncomparable
// dynamic types such as func values.
func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
