// Package server exposes chatrelay's HTTP and websocket surface: connection
// upgrade and pumps, history and task endpoints, health, and metrics.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8192
	sendBufferSize = 256
)

// wsClient adapts one gorilla websocket connection to the registry's
// Transport interface. Writes go through a buffered channel drained by a
// single write pump, so concurrent senders never interleave frames.
type wsClient struct {
	conn *websocket.Conn
	addr string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, addr string) *wsClient {
	conn.SetReadLimit(maxMessageSize)
	return &wsClient{
		conn:   conn,
		addr:   addr,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send serializes a payload and enqueues it for the write pump. It fails
// fast when the connection is closed or the buffer is full; it never blocks
// a broadcast iterating the registry.
func (c *wsClient) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", c.addr, err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.addr)
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", c.addr)
	}
}

// close tears the connection down once. Safe to call from either pump.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Server] Error closing connection %s: %v", c.addr, err)
			}
		}
	})
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings. Runs as one goroutine per connection and exits
// when the connection closes.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("[Server] Error setting write deadline for %s: %v", c.addr, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[Server] Error writing to %s: %v", c.addr, err)
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// setupRead arms the read deadline and pong handler before the read loop.
func (c *wsClient) setupRead() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[Server] Error setting read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}
