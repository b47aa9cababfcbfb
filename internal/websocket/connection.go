package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"codeshare/pkg/types"
)

// Connection wraps one client socket. All writes go through a single
// writer goroutine; callers only ever enqueue.
type Connection struct {
	conn      *websocket.Conn
	id        types.ConnID
	writeCh   chan []byte
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection starts the writer goroutine for conn.
func NewConnection(conn *websocket.Conn, id types.ConnID, config Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      id,
		writeCh: make(chan []byte, config.BufferSize),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the identifier assigned at upgrade time.
func (c *Connection) ID() types.ConnID {
	return c.id
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// writeLoop owns every write to the socket, pings included.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	defer func() { _ = c.Close() }()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Str("module", "websocket").Str("conn", string(c.id)).Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON encodes v and queues it without blocking.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.enqueue(data)
}

// enqueue hands data to the writer. A client that cannot keep up is
// reported with ErrBackpressure rather than stalling the caller.
func (c *Connection) enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrBackpressure
	}
}

// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
