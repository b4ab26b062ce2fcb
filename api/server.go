package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/quantflow/pkg/metrics"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/status"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 512
)

// Source is where the gateway gets its data, normally the gRPC service.
type Source interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
	Subscribe(ctx context.Context, instrumentID int32) (UpdateStream, error)
}

type UpdateStream interface {
	Recv() (*models.OrderbookUpdate, error)
}

// Server is the websocket/JSON gateway in front of the market data service.
type Server struct {
	source     Source
	logger     *logrus.Logger
	port       string
	router     *gin.Engine
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(source Source, logger *logrus.Logger, port string, allowedOrigins []string) *Server {
	s := &Server{
		source: source,
		logger: logger,
		port:   port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	router.GET("/instruments", s.handleInstruments)
	router.GET("/ws", s.handleStream)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting gateway on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Gateway request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleInstruments(c *gin.Context) {
	insts, err := s.source.Instruments(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch instruments")
		c.JSON(http.StatusBadGateway, gin.H{"error": describe(err)})
		return
	}

	out := make([]gin.H, 0, len(insts))
	for _, inst := range insts {
		out = append(out, gin.H{
			"id":     inst.ID,
			"symbol": inst.Symbol,
			"depth":  inst.Depth,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleStream relays one orderbook subscription to a websocket client.
// Problems after the upgrade are reported as a final {"error": ...} frame.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	id, err := parseInstrumentID(c.Query("instrumentId"))
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	log := s.logger.WithFields(logrus.Fields{
		"instrument_id": id,
		"remote":        c.ClientIP(),
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readPump(conn, cancel)

	stream, err := s.source.Subscribe(ctx, id)
	if err != nil {
		s.writeError(conn, describe(err))
		return
	}
	log.Info("Gateway client subscribed")

	for {
		update, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Gateway client disconnected")
				return
			}
			if errors.Is(err, io.EOF) {
				s.writeError(conn, "stream ended")
				return
			}
			log.WithError(err).Warn("Upstream stream failed")
			s.writeError(conn, describe(err))
			return
		}

		frame, ok := newFrame(update, time.Now())
		if !ok {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debug("Websocket write failed")
			return
		}
	}
}

// readPump drains client frames; the client never sends anything we act on,
// but a read error is how a disconnect shows up.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientFrame)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeError(conn *websocket.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(gin.H{"error": msg}); err != nil {
		s.logger.WithError(err).Debug("Failed to write error frame")
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
}

func parseInstrumentID(raw string) (int32, error) {
	if raw == "" {
		return 0, errors.New("instrumentId is required")
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instrumentId %q", raw)
	}
	return int32(id), nil
}

func newFrame(u *models.OrderbookUpdate, now time.Time) (gin.H, bool) {
	switch {
	case u.Snapshot != nil:
		return gin.H{
			"type":          string(models.KindSnapshot),
			"instrument_id": u.Snapshot.InstrumentID,
			"timestamp":     u.Snapshot.Timestamp,
			"bids":          jsonLevels(u.Snapshot.Bids),
			"asks":          jsonLevels(u.Snapshot.Asks),
			"gateway_ts":    now.UnixMilli(),
		}, true
	case u.Incremental != nil:
		inc := u.Incremental
		return gin.H{
			"type":          string(models.KindIncremental),
			"instrument_id": inc.InstrumentID,
			"timestamp":     inc.Timestamp,
			"is_bid":        inc.IsBid,
			"update_type":   int32(inc.UpdateType),
			"level":         [2]float64{inc.Level.Price, inc.Level.Quantity},
			"gateway_ts":    now.UnixMilli(),
		}, true
	default:
		return nil, false
	}
}

// jsonLevels renders levels as [price, quantity] pairs.
func jsonLevels(levels []models.PriceLevel) [][2]float64 {
	out := make([][2]float64, len(levels))
	for i, l := range levels {
		out[i] = [2]float64{l.Price, l.Quantity}
	}
	return out
}

// describe strips the grpc status prefix from upstream errors.
func describe(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
