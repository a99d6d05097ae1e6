package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/manpreetbhatti/scrawl/internal/protocol"
	"github.com/manpreetbhatti/scrawl/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBufferSize    = 256
	messagesPerSecond = 100
	messageBurst      = 200
	maxViolations     = 1000
)

// Client is one websocket connection. Outbound messages are queued and written
// by writePump; inbound messages are read by readPump and handed to a callback.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	id := ksuid.New().String()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		logger:      logger.With(slog.String("conn", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg for delivery. A client whose queue is full is too slow to
// keep up and gets disconnected. Returns false if msg was not queued.
func (c *Client) Send(msg *protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode message", slog.String("type", string(msg.Type)), slog.Any("error", err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting")
		c.closed = true
		close(c.send)
		return false
	}
}

// Close flushes anything already queued and then closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads until the connection fails, passing each valid message to
// handle. Messages from one connection are handled strictly in order.
func (c *Client) readPump(handle func(*protocol.Message)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", slog.Any("error", err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations := c.rateLimiter.Violations()
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", slog.Int("violations", violations))
				c.Send(protocol.Error("", protocol.ReasonRateLimited))
			}
			if violations > maxViolations {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("invalid message", slog.Any("error", err))
			c.Send(protocol.Error("", protocol.ReasonInvalidMessage))
			continue
		}

		handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
