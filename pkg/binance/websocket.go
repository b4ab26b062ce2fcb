package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/quantflow/pkg/feed"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStreamURL    = "wss://stream.binance.com:9443/ws/"
	DefaultStreamSuffix = "@depth20@100ms"
)

type WebSocketConfig struct {
	URL              string
	StreamSuffix     string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// WebSocketDialer opens one raw depth stream per symbol.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer websocket.Dialer
	logger *logrus.Logger
}

func NewWebSocketDialer(cfg WebSocketConfig, logger *logrus.Logger) *WebSocketDialer {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.StreamSuffix == "" {
		cfg.StreamSuffix = DefaultStreamSuffix
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}

	return &WebSocketDialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// StreamURL is the raw stream endpoint for symbol, e.g.
// wss://stream.binance.com:9443/ws/btcusdt@depth20@100ms.
func (d *WebSocketDialer) StreamURL(symbol string) string {
	return strings.TrimSuffix(d.cfg.URL, "/") + "/" + strings.ToLower(symbol) + d.cfg.StreamSuffix
}

func (d *WebSocketDialer) Dial(ctx context.Context, symbol string) (feed.Stream, error) {
	url := d.StreamURL(symbol)
	d.logger.WithField("url", url).Debug("Dialing depth stream")

	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	s := &wsStream{
		conn:        conn,
		readTimeout: d.cfg.ReadTimeout,
		done:        make(chan struct{}),
		logger:      d.logger.WithField("symbol", symbol),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	go s.keepAlive(d.cfg.PingInterval)
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	done        chan struct{}
	once        sync.Once
	logger      *logrus.Entry
}

func (s *wsStream) ReadFrame() ([]byte, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, err
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.WithError(err).Warn("Failed to send ping")
				return
			}
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
