package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gregtusar/quantflow/pkg/binding"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// Session is one subscriber's bounded queue. When the queue is full the
// oldest update is dropped: a newer book supersedes an older one.
type Session struct {
	ID           string
	InstrumentID int32

	hub        *Hub
	binding    *binding.Binding
	listenerID binding.ListenerID
	queue      chan models.OrderbookUpdate
	log        *logrus.Entry

	enqueueMu sync.Mutex
	dropped   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSession(h *Hub, b *binding.Binding, inst models.Instrument, size int) *Session {
	id := uuid.NewString()
	return &Session{
		ID:           id,
		InstrumentID: inst.ID,
		hub:          h,
		binding:      b,
		queue:        make(chan models.OrderbookUpdate, size),
		done:         make(chan struct{}),
		log: h.logger.WithFields(logrus.Fields{
			"session_id":    id,
			"instrument_id": inst.ID,
		}),
	}
}

// enqueue never blocks the caller, which is the feed's fan-out.
func (s *Session) enqueue(snap models.OrderbookSnapshot) {
	update := models.NewSnapshotUpdate(snap)

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.queue <- update:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			metrics.UpdatesDropped.WithLabelValues(instrumentLabel(s.InstrumentID)).Inc()
		default:
		}
	}
}

// Next blocks until an update is queued, ctx ends or the session is closed.
func (s *Session) Next(ctx context.Context) (models.OrderbookUpdate, error) {
	select {
	case update := <-s.queue:
		return update, nil
	case <-ctx.Done():
		return models.OrderbookUpdate{}, ctx.Err()
	case <-s.done:
		return models.OrderbookUpdate{}, s.err
	}
}

// Dropped counts updates discarded by the overflow policy.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close detaches the session from its binding. It is safe to call more than once.
func (s *Session) Close() {
	s.closeWith(ErrSessionClosed)
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.enqueueMu.Lock()
		s.err = err
		close(s.done)
		s.enqueueMu.Unlock()

		s.hub.detach(s)
	})
}
