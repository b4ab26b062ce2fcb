package binding

import (
	"sync"

	"github.com/gregtusar/quantflow/pkg/feed"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
)

// Feed is the part of feed.Manager a binding depends on.
type Feed interface {
	Subscribe(symbol string, l feed.Listener) feed.Handle
	Unsubscribe(h feed.Handle)
}

type ListenerID uint64

type Option func(*Binding)

// WithObserver registers a passive sink that sees every truncated snapshot
// without counting as demand for the feed.
func WithObserver(fn func(models.OrderbookSnapshot)) Option {
	return func(b *Binding) {
		b.observer = fn
	}
}

type listener struct {
	id ListenerID
	fn func(models.OrderbookSnapshot)
}

// Binding bridges one instrument to its underlying feed. The feed is
// subscribed while the reference count is positive.
type Binding struct {
	instrument models.Instrument
	feed       Feed
	observer   func(models.OrderbookSnapshot)
	log        *logrus.Entry

	mu        sync.Mutex
	refs      int
	handle    feed.Handle
	latest    *models.OrderbookSnapshot
	listeners []listener
	nextID    ListenerID
}

func New(inst models.Instrument, f Feed, logger *logrus.Logger, opts ...Option) *Binding {
	b := &Binding{
		instrument: inst,
		feed:       f,
		log: logger.WithFields(logrus.Fields{
			"instrument_id": inst.ID,
			"underlying":    inst.Underlying,
		}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binding) Instrument() models.Instrument {
	return b.instrument
}

// Start takes a reference and subscribes to the feed on the first one.
func (b *Binding) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs++
	if b.refs == 1 {
		b.handle = b.feed.Subscribe(b.instrument.Underlying, b)
		b.log.Info("Instrument feed activated")
	}
}

// Stop releases a reference; the last one unsubscribes from the feed and
// forgets the cached book so a later activation never serves stale state.
func (b *Binding) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}

	b.feed.Unsubscribe(b.handle)
	b.handle = feed.Handle{}
	b.latest = nil
	b.log.Info("Instrument feed deactivated")
}

// OnFeedUpdate implements feed.Listener.
func (b *Binding) OnFeedUpdate(snap models.FeedSnapshot) error {
	book := snap.ForInstrument(b.instrument)

	b.mu.Lock()
	if b.refs == 0 {
		// in-flight delivery that raced with deactivation
		b.mu.Unlock()
		return nil
	}
	b.latest = &book
	listeners := b.listeners
	b.mu.Unlock()

	for _, l := range listeners {
		l.fn(book)
	}
	if b.observer != nil {
		b.observer(book)
	}
	return nil
}

// AddListener registers fn and, under the same lock, hands it the current
// book so it never observes an older book after a newer one.
func (b *Binding) AddListener(fn func(models.OrderbookSnapshot)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.latest != nil {
		fn(*b.latest)
	}

	next := make([]listener, len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, listener{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *Binding) RemoveListener(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id != id {
			continue
		}
		next := make([]listener, 0, len(b.listeners)-1)
		next = append(next, b.listeners[:i]...)
		b.listeners = append(next, b.listeners[i+1:]...)
		return
	}
}

// CurrentSnapshot returns the latest truncated book, if any.
func (b *Binding) CurrentSnapshot() (models.OrderbookSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return models.OrderbookSnapshot{}, false
	}
	return *b.latest, true
}

func (b *Binding) RefCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

func (b *Binding) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
