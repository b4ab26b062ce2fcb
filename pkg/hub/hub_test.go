package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/quantflow/pkg/binding"
	"github.com/gregtusar/quantflow/pkg/feed"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/gregtusar/quantflow/pkg/registry"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const waitFor = 2 * time.Second

type fakeFeed struct {
	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	listeners    map[string]feed.Listener
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{listeners: make(map[string]feed.Listener)}
}

func (f *fakeFeed) Subscribe(symbol string, l feed.Listener) feed.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.listeners[symbol] = l
	return feed.Handle{Symbol: symbol}
}

func (f *fakeFeed) Unsubscribe(h feed.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	delete(f.listeners, h.Symbol)
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

// push delivers a book for symbol as the feed manager would.
func (f *fakeFeed) push(t *testing.T, symbol string, ts int64) {
	t.Helper()
	f.mu.Lock()
	l, ok := f.listeners[symbol]
	f.mu.Unlock()
	if !assert.True(t, ok, "no active subscription for %s", symbol) {
		return
	}
	assert.NoError(t, l.OnFeedUpdate(models.FeedSnapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      []models.PriceLevel{{Price: 100, Quantity: 1}, {Price: 99, Quantity: 2}},
		Asks:      []models.PriceLevel{{Price: 101, Quantity: 1}, {Price: 102, Quantity: 2}},
	}))
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]models.Instrument{
		{ID: 1, Symbol: "BTC", Depth: 1, Underlying: "BTCUSDT"},
		{ID: 2, Symbol: "ETH", Depth: 2, Underlying: "ETHUSDT"},
	})
	require.NoError(t, err)
	return reg
}

func newTestHub(t *testing.T, f binding.Feed, opts ...Option) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := New(testRegistry(t), f, logger, opts...)
	t.Cleanup(h.Close)
	return h
}

func next(t *testing.T, s *Session) models.OrderbookUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	u, err := s.Next(ctx)
	require.NoError(t, err)
	return u
}

type recorder struct {
	mu      sync.Mutex
	updates []models.OrderbookUpdate
}

func (r *recorder) send(u *models.OrderbookUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, *u)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) at(i int) models.OrderbookUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[i]
}

func TestInstrumentsListsRegistry(t *testing.T) {
	h := newTestHub(t, newFakeFeed())
	insts := h.Instruments()
	require.Len(t, insts, 2)
	assert.Equal(t, "BTC", insts[0].Symbol)
	assert.Equal(t, 2, insts[1].Depth)
}

func TestOpenUnknownInstrumentHasNoSideEffects(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	s, err := h.Open(99)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrInstrumentNotFound)

	err = h.Stream(context.Background(), 99, (&recorder{}).send)
	assert.ErrorIs(t, err, ErrInstrumentNotFound)

	subs, _ := f.counts()
	assert.Zero(t, subs)
	assert.Zero(t, h.Sessions(99))
	_, ok := h.Binding(99)
	assert.False(t, ok)
}

func TestSessionsReceiveUpdatesInFeedOrder(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	a, err := h.Open(1)
	require.NoError(t, err)
	b, err := h.Open(1)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, h.Sessions(1))

	subs, _ := f.counts()
	assert.Equal(t, 1, subs, "both sessions share one feed subscription")

	for ts := int64(1); ts <= 5; ts++ {
		f.push(t, "BTCUSDT", ts)
	}

	for ts := int64(1); ts <= 5; ts++ {
		ua, ub := next(t, a), next(t, b)
		require.Equal(t, models.KindSnapshot, ua.Kind())
		assert.Equal(t, ts, ua.Snapshot.Timestamp)
		assert.Equal(t, ts, ub.Snapshot.Timestamp)
		assert.Len(t, ua.Snapshot.Bids, 1, "books are truncated to instrument depth")
		assert.Equal(t, int32(1), ua.InstrumentID())
	}
}

func TestLateSessionStartsWithCurrentBook(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	first, err := h.Open(2)
	require.NoError(t, err)
	f.push(t, "ETHUSDT", 10)
	f.push(t, "ETHUSDT", 11)
	next(t, first)

	late, err := h.Open(2)
	require.NoError(t, err)
	u := next(t, late)
	require.NotNil(t, u.Snapshot)
	assert.Equal(t, int64(11), u.Snapshot.Timestamp)
	assert.Len(t, u.Snapshot.Asks, 2)
}

func TestOverflowDropsOldest(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f, WithQueueSize(2))

	s, err := h.Open(1)
	require.NoError(t, err)
	for ts := int64(1); ts <= 5; ts++ {
		f.push(t, "BTCUSDT", ts)
	}

	assert.Equal(t, int64(3), s.Dropped())
	assert.Equal(t, int64(4), next(t, s).Snapshot.Timestamp)
	assert.Equal(t, int64(5), next(t, s).Snapshot.Timestamp)
}

func TestSlowSessionDoesNotStallOthers(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f, WithQueueSize(1))

	_, err := h.Open(1)
	require.NoError(t, err)
	fast, err := h.Open(1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ts := int64(1); ts <= 100; ts++ {
			f.push(t, "BTCUSDT", ts)
		}
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("feed fan-out blocked on a stalled session")
	}
	assert.Equal(t, int64(100), next(t, fast).Snapshot.Timestamp)
}

func TestLastSessionDeactivatesFeed(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	a, err := h.Open(1)
	require.NoError(t, err)
	b, err := h.Open(1)
	require.NoError(t, err)
	f.push(t, "BTCUSDT", 1)

	a.Close()
	_, unsubs := f.counts()
	assert.Zero(t, unsubs)
	assert.Equal(t, 1, h.Sessions(1))

	b.Close()
	b.Close()
	_, unsubs = f.counts()
	assert.Equal(t, 1, unsubs)
	assert.Zero(t, h.Sessions(1))

	bd, ok := h.Binding(1)
	require.True(t, ok)
	assert.Zero(t, bd.RefCount())
	assert.Zero(t, bd.Listeners())
	_, cached := bd.CurrentSnapshot()
	assert.False(t, cached)

	_, err = b.Next(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestStreamDeliversInitialSnapshotThenUpdates(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	warm, err := h.Open(1)
	require.NoError(t, err)
	f.push(t, "BTCUSDT", 1)
	next(t, warm)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	errc := make(chan error, 1)
	go func() { errc <- h.Stream(ctx, 1, rec.send) }()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, waitFor, time.Millisecond)
	assert.Equal(t, int64(1), rec.at(0).Snapshot.Timestamp)

	f.push(t, "BTCUSDT", 2)
	require.Eventually(t, func() bool { return rec.count() >= 2 }, waitFor, time.Millisecond)
	assert.Equal(t, int64(2), rec.at(1).Snapshot.Timestamp)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err, "consumer cancellation ends the stream cleanly")
	case <-time.After(waitFor):
		t.Fatal("stream did not exit after cancellation")
	}
	assert.Equal(t, 1, h.Sessions(1))
}

func TestStreamProceedsWithoutInitialSnapshot(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f, WithInitialSnapshotWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go func() { _ = h.Stream(ctx, 2, rec.send) }()

	require.Eventually(t, func() bool { return h.Sessions(2) == 1 }, waitFor, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count())

	f.push(t, "ETHUSDT", 5)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, time.Millisecond)
}

func TestStreamReturnsSendError(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	boom := errors.New("client went away")
	errc := make(chan error, 1)
	go func() {
		errc <- h.Stream(context.Background(), 1, func(*models.OrderbookUpdate) error { return boom })
	}()

	require.Eventually(t, func() bool { return h.Sessions(1) == 1 }, waitFor, time.Millisecond)
	f.push(t, "BTCUSDT", 1)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitFor):
		t.Fatal("stream did not exit on send failure")
	}
	assert.Zero(t, h.Sessions(1))
	_, unsubs := f.counts()
	assert.Equal(t, 1, unsubs)
}

func TestCloseEndsStreams(t *testing.T) {
	f := newFakeFeed()
	h := newTestHub(t, f)

	errc := make(chan error, 1)
	go func() { errc <- h.Stream(context.Background(), 2, (&recorder{}).send) }()
	require.Eventually(t, func() bool { return h.Sessions(2) == 1 }, waitFor, time.Millisecond)

	h.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrHubClosed)
	case <-time.After(waitFor):
		t.Fatal("stream did not exit on hub close")
	}

	_, err := h.Open(1)
	assert.ErrorIs(t, err, ErrHubClosed)
	_, unsubs := f.counts()
	assert.Equal(t, 1, unsubs)
}

func TestObserverSeesEveryBook(t *testing.T) {
	f := newFakeFeed()
	var mu sync.Mutex
	var seen []int32
	h := newTestHub(t, f, WithObserver(func(s models.OrderbookSnapshot) {
		mu.Lock()
		seen = append(seen, s.InstrumentID)
		mu.Unlock()
	}))

	_, err := h.Open(1)
	require.NoError(t, err)
	_, err = h.Open(2)
	require.NoError(t, err)
	f.push(t, "BTCUSDT", 1)
	f.push(t, "ETHUSDT", 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int32{1, 2}, seen)
}

func TestSimulatedFeedEndToEnd(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := feed.NewManager(
		feed.NewSimulatedDialer(feed.SimulatorOptions{Interval: 5 * time.Millisecond, Levels: 5}),
		logger,
		feed.WithDialLimiter(rate.NewLimiter(rate.Inf, 1)),
	)
	defer m.Close()
	h := New(testRegistry(t), m, logger)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	errc := make(chan error, 1)
	go func() { errc <- h.Stream(ctx, 2, rec.send) }()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, waitFor, time.Millisecond)
	first := rec.at(0)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, int32(2), first.Snapshot.InstrumentID)
	assert.Len(t, first.Snapshot.Bids, 2)
	assert.Len(t, first.Snapshot.Asks, 2)
	assert.Greater(t, first.Snapshot.Asks[0].Price, first.Snapshot.Bids[0].Price)
	assert.Equal(t, []string{"ETHUSDT"}, m.Active())

	cancel()
	require.NoError(t, <-errc)
	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, waitFor, time.Millisecond)
}
