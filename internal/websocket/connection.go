package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

// ConnectionOptions tunes the per-connection writer
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
}

func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{BufferSize: 100, WriteTimeout: 5 * time.Second}
}

// Connection is an authenticated WebSocket client
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions;
// identity is fixed at construction from the verified handshake and never changes
type Connection struct {
	id        string
	identity  types.Identity
	conn      *websocket.Conn
	writeCh   chan []byte
	opts      ConnectionOptions
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket and starts its writer goroutine
func NewConnection(parent context.Context, conn *websocket.Conn, identity types.Identity, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultConnectionOptions().BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultConnectionOptions().WriteTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		writeCh:  make(chan []byte, opts.BufferSize),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) Identity() types.Identity { return c.identity }

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context { return c.ctx }

// writeLoop is the only goroutine that writes data frames
// FUNCTIONAL DISCOVERY: A failed write closes the connection so pending
// WriteJSON callers return ErrConnectionClosed instead of waiting for the timeout
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues v without waiting. A full buffer means the client stopped
// reading; it is closed so fan-out never waits on it
func (c *Connection) TrySend(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Emit wraps payload in the outbound envelope
func (c *Connection) Emit(event string, payload interface{}) error {
	return c.WriteJSON(types.Envelope{
		Event:     event,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
}

// Ack replies to a request frame carrying ackID
func (c *Connection) Ack(ackID string, ack types.Ack) error {
	return c.WriteJSON(types.Envelope{
		Event:     types.EventAck,
		AckID:     ackID,
		Data:      ack,
		Timestamp: time.Now().UTC(),
	})
}

// Ping sends a control frame; gorilla allows WriteControl concurrently with the writer
func (c *Connection) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close is idempotent
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
