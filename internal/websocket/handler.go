package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"codeshare/internal/router"
	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// Config holds the transport settings of the gateway.
type Config struct {
	PingInterval       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	BufferSize         int
	MaxMessageBytes    int64
	MaxEventsPerMinute int
	// AllowedOrigins limits the Origin header accepted at upgrade. Empty or
	// containing "*" accepts any origin.
	AllowedOrigins []string
}

// DefaultConfig returns classroom-scale transport defaults
func DefaultConfig() Config {
	return Config{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		BufferSize:      100,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// Validate ensures the configuration is usable
func (c Config) Validate() error {
	if c.PingInterval <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("websocket timeouts must be greater than 0")
	}
	if c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("websocket read timeout (%s) must exceed ping interval (%s)", c.ReadTimeout, c.PingInterval)
	}
	if c.BufferSize <= 0 {
		return errors.New("websocket buffer size must be greater than 0")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("websocket max message bytes must be greater than 0")
	}
	if c.MaxEventsPerMinute < 0 {
		return errors.New("websocket max events per minute cannot be negative")
	}
	return nil
}

// AllowsOrigin reports whether an upgrade from origin is accepted.
func (c Config) AllowsOrigin(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler upgrades HTTP requests and runs one read loop per connection,
// handing every event to the coordinator.
type Handler struct {
	registry    *Registry
	coordinator interfaces.Coordinator
	router      *router.Router
	config      Config
	upgrader    websocket.Upgrader
	wg          sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, coordinator interfaces.Coordinator, config Config) *Handler {
	h := &Handler{
		registry:    registry,
		coordinator: coordinator,
		router:      router.NewRouter(coordinator, config.MaxEventsPerMinute),
		config:      config,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return config.AllowsOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

// HandleWebSocket is the gin entry point for GET /ws.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	h.ServeHTTP(c.Writer, c.Request)
}

// ServeHTTP upgrades the request and starts the connection's read loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Str("module", "websocket").Err(err).Msg("upgrade failed")
		return
	}

	conn := NewConnection(ws, types.ConnID(uuid.NewString()), h.config)
	if err := h.registry.RegisterConnection(conn); err != nil {
		log.Error().Str("module", "websocket").Err(err).Msg("register connection")
		_ = conn.Close()
		return
	}

	log.Info().Str("module", "websocket").Str("conn", string(conn.ID())).Str("remote", r.RemoteAddr).Msg("client connected")

	if err := h.coordinator.Connect(context.Background(), conn.ID()); err != nil {
		log.Warn().Str("module", "websocket").Str("conn", string(conn.ID())).Err(err).Msg("connect event dropped")
	}

	h.wg.Add(1)
	go h.handleConnection(conn)
}

// Wait blocks until every read loop has exited.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) handleConnection(conn *Connection) {
	defer h.wg.Done()
	logger := log.With().Str("module", "websocket").Str("conn", string(conn.ID())).Logger()

	defer func() {
		// The socket is unreachable before the coordinator hears it left.
		h.registry.UnregisterConnection(conn)
		h.router.Forget(conn.ID())
		_ = conn.Close()

		// Disconnect waits for queue space and returns once the hub stops.
		if err := h.coordinator.Disconnect(context.Background(), conn.ID()); err != nil {
			logger.Warn().Err(err).Msg("disconnect event dropped")
		}
		logger.Info().Msg("client disconnected")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.router.RouteMessage(conn.ctx, conn.ID(), data); err != nil {
			logger.Debug().Err(err).Msg("frame dropped")
		}
	}
}
