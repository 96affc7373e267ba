// Package ws carries the relay protocol over websocket connections: one
// Client per connection implementing the engine's peer contract, and a
// Gateway routing decoded operations to room engines.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorumnet/relaycore/internal/platform/id"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// sendBuffer bounds the per-connection outbound queue. A slow consumer
	// overflowing it loses unreliable payloads first and is disconnected
	// when a reliable payload cannot be queued either.
	sendBuffer = 256
)

// Client is one websocket connection acting as a room peer. Sends are
// queued; the write pump owns the connection's write side.
type Client struct {
	connID string
	userID string
	conn   *websocket.Conn
	logger *log.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection for the authenticated user.
func NewClient(conn *websocket.Conn, userID string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	connID, err := id.NewID()
	if err != nil {
		connID = conn.RemoteAddr().String()
	}
	return &Client{
		connID: connID,
		userID: userID,
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// ConnID implements transport.Peer.
func (c *Client) ConnID() string { return c.connID }

// UserID implements transport.Peer.
func (c *Client) UserID() string { return c.userID }

// SendOperationResponse implements transport.Peer.
func (c *Client) SendOperationResponse(resp protocol.OperationResponse, params transport.SendParameters) {
	c.enqueue(protocol.Envelope{Response: &resp}, params)
}

// SendEvent implements transport.Peer.
func (c *Client) SendEvent(ev protocol.EventData, params transport.SendParameters) {
	c.enqueue(protocol.Envelope{Event: &ev}, params)
}

func (c *Client) enqueue(env protocol.Envelope, params transport.SendParameters) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Printf("conn %s: encode frame: %v", c.connID, err)
		return
	}
	select {
	case c.send <- payload:
	case <-c.closed:
	default:
		if params.Unreliable {
			return
		}
		// A reliable payload that cannot be queued means the peer fell too
		// far behind to stay consistent.
		c.logger.Printf("conn %s: send queue overflow, closing", c.connID)
		c.close()
	}
}

// ScheduleDisconnect implements transport.Peer.
func (c *Client) ScheduleDisconnect(reason string, after time.Duration) {
	time.AfterFunc(after, func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
	})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// ReadPump decodes inbound frames and hands them to handle until the
// connection drops. It runs on the caller's goroutine; onClose fires once
// after the last frame.
func (c *Client) ReadPump(handle func(protocol.Envelope), onClose func()) {
	defer func() {
		c.close()
		onClose()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Printf("conn %s: read: %v", c.connID, err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Printf("conn %s: malformed frame: %v", c.connID, err)
			continue
		}
		handle(env)
	}
}

// WritePump drains the send queue onto the connection and keeps the ping
// cycle alive. Run it on its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
