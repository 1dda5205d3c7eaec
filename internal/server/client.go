// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// connState is the relay-side lifecycle of a connection. It is only read and
// written by the hub loop.
type connState int

const (
	stateAnonymous connState = iota
	stateJoined
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateAnonymous:
		return "anonymous"
	case stateJoined:
		return "joined"
	case stateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Client is one WebSocket connection. Its ID is the identity the presence
// registry stores.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	state       connState
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

// NewClient creates a Client for conn with a fresh identity. conn may be nil
// for clients that are driven directly through the hub.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, hub.cfg.SendBuffer),
		hub:         hub,
		addr:        addr,
		state:       stateAnonymous,
		rateLimiter: newRateLimiter(hub.cfg.RateLimit, hub.clock),
		logger:      hub.logger.With(slog.String("conn", id), slog.String("addr", addr)),
	}
}

// ID returns the connection identity.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's outbound queue of encoded frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set read deadline in pong handler", slog.Any("error", err))
		}
		return nil
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", slog.Int64("limit", c.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", slog.Any("reason", err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", slog.Any("reason", err))
	default:
		c.logger.Warn("websocket read error", slog.Any("error", err))
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.logger.Warn("rate limit exceeded; discarding frame",
		slog.Int("burst", c.hub.cfg.RateLimit.Burst),
		slog.Duration("interval", c.hub.cfg.RateLimit.RefillInterval),
	)
	return false
}

// processFrame decodes a raw frame and hands the resulting event to the hub.
// Malformed frames are dropped. It returns false once the hub has stopped
// accepting events.
func (c *Client) processFrame(raw []byte) bool {
	decoded, err := decodeEvent(raw)
	if err != nil {
		c.logger.Warn("dropping malformed frame", slog.Any("error", err))
		return true
	}

	switch p := decoded.(type) {
	case JoinRoomPayload:
		return c.hub.dispatch(joinRoom{client: c, username: p.Username, room: p.Room})
	case ChatMessagePayload:
		return c.hub.dispatch(chatMessage{client: c, text: *p.Text})
	default:
		return true
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.dispatch(disconnect{client: c})
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("close connection in read pump", slog.Any("error", err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processFrame(raw) {
			c.logger.Info("hub stopped; closing read pump")
			return
		}
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
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("close connection in write pump", slog.Any("error", err))
	}
}

// handleFrame writes one outbound frame, or the close frame once the hub
// closed the queue. It returns false when the connection should be closed.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline", slog.Any("error", err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write frame", slog.Any("error", err))
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("write close message", slog.Any("error", err))
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("write ping", slog.Any("error", err))
		return false
	}
	return true
}
