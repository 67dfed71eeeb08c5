// Package server manages individual WebSocket clients, handling read/write
// pumps, frame dispatch, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// FrameHandler processes one inbound frame on behalf of a client.
type FrameHandler interface {
	HandleFrame(client *Client, frame InboundFrame)
}

// Client is one authenticated WebSocket connection. The user id is bound at
// handshake time and never changes.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	hub            *Hub
	handler        FrameHandler
	userID         string
	addr           string
	maxMessageSize int64
	logger         logrus.FieldLogger
}

// NewClient creates a Client for an upgraded connection of userID.
func NewClient(conn *websocket.Conn, hub *Hub, handler FrameHandler, userID, addr string, opts Options) *Client {
	opts = sanitizeOptions(opts)
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, opts.SendBufferSize),
		done:           make(chan struct{}),
		hub:            hub,
		handler:        handler,
		userID:         userID,
		addr:           addr,
		maxMessageSize: opts.MaxMessageSize,
		logger: hub.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"addr":    addr,
		}),
	}
}

// UserID returns the verified user id of the connection.
func (c *Client) UserID() string {
	return c.userID
}

// Emit sends an event to this client only.
func (c *Client) Emit(event string, data interface{}) {
	c.hub.sendTo(c, OutboundFrame{Event: event, Data: data})
}

// Ack answers a request that carried ackID. Requests without an ack id get no
// reply.
func (c *Client) Ack(ackID string, data interface{}) {
	if ackID == "" {
		return
	}
	c.hub.sendTo(c, OutboundFrame{Event: EventAck, AckID: ackID, Data: data})
}

// close stops the write pump. The send channel is never closed, so concurrent
// senders cannot panic.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.WithError(err).Warn("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.WithField("limit", c.maxMessageSize).Warn("Frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.WithError(err).Warn("Unexpected WebSocket close")
	default:
		c.logger.WithError(err).Debug("WebSocket read error")
	}
}

// dispatch decodes a frame and runs its handler on its own goroutine.
// Operations from one connection are not ordered against each other.
func (c *Client) dispatch(raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		c.logger.WithError(err).Debug("Discarding malformed frame")
		c.Emit(EventError, ErrorEvent{Message: "Malformed frame"})
		return
	}

	c.hub.wg.Add(1)
	go func() {
		defer c.hub.wg.Done()
		c.handler.HandleFrame(c, frame)
	}()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.WithError(err).Warn("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message) && c.writeQueuedMessages()
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.WithError(err).Warn("Error closing connection in writePump")
	}
}

func (c *Client) writeCloseMessage() {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.logger.WithError(err).Debug("Error writing close message")
	}
}

// writeTextMessage writes one frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.WithError(err).Warn("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.WithError(err).Warn("Error writing message")
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes what is already buffered, one frame per event.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeTextMessage(<-c.send) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.WithError(err).Warn("Error writing ping message")
		}
		return false
	}
	return true
}
