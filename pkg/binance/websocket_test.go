package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/quantflow/pkg/feed"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := NewWebSocketDialer(WebSocketConfig{}, logger)
	assert.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@depth20@100ms", d.StreamURL("BTCUSDT"))

	d = NewWebSocketDialer(WebSocketConfig{URL: "ws://localhost:1/ws", StreamSuffix: "@depth@100ms"}, logger)
	assert.Equal(t, "ws://localhost:1/ws/ethusdt@depth@100ms", d.StreamURL("ethusdt"))
}

func TestWebSocketDialerReadsFrames(t *testing.T) {
	paths := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"lastUpdateId":1,"bids":[["100","1"]],"asks":[["101","1"]]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"lastUpdateId":2,"bids":[],"asks":[]}`))
		// hold the connection until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	d := NewWebSocketDialer(WebSocketConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/",
		ReadTimeout: time.Second,
	}, logger)

	var dialer feed.Dialer = d
	s, err := dialer.Dial(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "/ws/btcusdt@depth20@100ms", <-paths)

	frame, err := s.ReadFrame()
	require.NoError(t, err)
	snap, ok, err := feed.Normalize("BTCUSDT", frame, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.LastUpdateID)

	frame, err = s.ReadFrame()
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"lastUpdateId":2`)

	require.NoError(t, s.Close())
	_, err = s.ReadFrame()
	assert.Error(t, err)
}

func TestWebSocketDialerFailsOnRefusedConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	logger, _ := test.NewNullLogger()
	d := NewWebSocketDialer(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, logger)
	_, err := d.Dial(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}
