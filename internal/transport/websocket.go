package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxMessageSize   = 1 << 20 // 1 MiB
	wsEventChanSize    = 64
)

// WSDialer dials controller endpoints over WebSocket.
type WSDialer struct {
	log *zap.Logger
}

// NewWSDialer constructs a WSDialer.
func NewWSDialer(log *zap.Logger) *WSDialer {
	return &WSDialer{log: log}
}

// Dial opens a WebSocket connection and starts its read loop.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	raw, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	raw.SetReadLimit(wsMaxMessageSize)

	c := &wsConn{
		raw:    raw,
		log:    d.log,
		events: make(chan Event, wsEventChanSize),
	}
	go c.readLoop()
	return c, nil
}

// wsConn wraps one gorilla connection. gorilla/websocket does not allow
// concurrent writers, so all writes go through writeMu.
type wsConn struct {
	raw     *websocket.Conn
	log     *zap.Logger
	events  chan Event
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.raw.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.raw.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.raw.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteTimeout),
		)
		c.writeMu.Unlock()
		// Unblocks the pending ReadMessage in readLoop.
		_ = c.raw.Close()
	})
	return nil
}

// readLoop feeds inbound frames into the event channel until the link dies.
// A read error is terminal for a gorilla connection: emit it, follow with
// EventClosed, and let the state machine drive recovery.
func (c *wsConn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.raw.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events <- Event{Kind: EventErrored, Err: err}
			}
			c.events <- Event{Kind: EventClosed, Err: err}
			return
		}
		c.events <- Event{Kind: EventFrame, Data: data}
	}
}
