package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pushi/internal/broker"
	"pushi/internal/protocol"
	"pushi/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket session. It implements broker.Conn so the broker
// can address it by socket id without knowing about transports.
type Client struct {
	manager  *Manager
	conn     *websocket.Conn
	send     chan []byte
	socketID string
	appKey   string
	ip       string
	limiter  *rate.Limiter
	logger   logging.Entry

	sendMu sync.Mutex
	closed bool
}

// SocketID returns the server assigned socket identifier.
func (c *Client) SocketID() string { return c.socketID }

// AppKey returns the app key the session connected under.
func (c *Client) AppKey() string { return c.appKey }

// Send enqueues an encoded frame. It reports false when the outbound queue
// is full or the session is closing. A full queue means the peer cannot
// keep up, so the session is torn down rather than silently losing frames
// forever.
func (c *Client) Send(payload []byte) bool {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return false
	}
	select {
	case c.send <- payload:
		c.sendMu.Unlock()
		return true
	default:
		c.sendMu.Unlock()
		c.logger.Warn("Outbound queue full, closing slow consumer")
		// Send runs on the publisher's path, which may hold broker locks that
		// unregister needs. Tear down from a fresh goroutine.
		go c.manager.unregister(c)
		return false
	}
}

// markClosed flags the session so no further frames are enqueued. Returns
// false if it was already closed.
func (c *Client) markClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Client) sendFrame(msg protocol.Message) {
	payload, err := msg.Encode()
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode frame")
		return
	}
	c.Send(payload)
}

func (c *Client) sendError(message string) {
	c.sendFrame(protocol.ErrorMessage(message))
}

// readPump pumps messages from the websocket connection into the broker.
func (c *Client) readPump() {
	defer c.manager.unregister(c)

	c.conn.SetReadLimit(c.manager.limits.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket connection error")
			}
			return
		}

		if c.manager.metrics != nil {
			c.manager.metrics.MessagesIn.WithLabelValues(c.appKey).Inc()
		}

		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			c.logger.Warn("Client exceeded message rate limit")
			return
		}

		// Frames that do not even parse are a protocol breach; the error is
		// sent and the connection dropped.
		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed frame")
			return
		}

		if err := c.handle(msg); err != nil {
			c.sendError(errorText(err))
		}
	}
}

// handle applies the shape limits the broker does not know about, then
// dispatches the frame.
func (c *Client) handle(msg protocol.ClientMessage) error {
	limits := c.manager.limits

	if len(msg.Event) > limits.MaxEventNameLength {
		return errEventNameTooLong
	}
	if ch := targetChannel(msg); ch != "" && len(ch) > limits.MaxChannelNameLength {
		return errChannelNameTooLong
	}

	if isSubscribe(msg.Event) {
		if c.manager.broker.ChannelCount(c.appKey, c.socketID) >= limits.MaxChannelsPerSocket {
			return errTooManyChannels
		}
		if ch := targetChannel(msg); ch != "" &&
			c.manager.broker.SocketsInChannel(c.appKey, ch) >= limits.MaxSocketsPerChannel {
			return errChannelFull
		}
	}

	return c.manager.broker.Dispatch(context.Background(), c, msg)
}

var (
	errEventNameTooLong   = errors.New("event name too long")
	errChannelNameTooLong = errors.New("channel name too long")
	errTooManyChannels    = errors.New("too many channels for this connection")
	errChannelFull        = errors.New("channel is full")
)

func isSubscribe(event string) bool {
	return strings.ReplaceAll(event, ":", "_") == "pusher_subscribe"
}

// targetChannel extracts the channel a frame operates on, from the payload
// or the top level field.
func targetChannel(msg protocol.ClientMessage) string {
	if msg.Channel != "" {
		return msg.Channel
	}
	if len(msg.Data) == 0 {
		return ""
	}
	var payload struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return ""
	}
	return payload.Channel
}

// errorText maps broker errors to client visible messages without leaking
// internals.
func errorText(err error) string {
	switch {
	case errors.Is(err, broker.ErrAuth):
		return err.Error()
	case errors.Is(err, broker.ErrProtocol):
		return err.Error()
	case errors.Is(err, broker.ErrNotFound):
		return err.Error()
	case errors.Is(err, errEventNameTooLong),
		errors.Is(err, errChannelNameTooLong),
		errors.Is(err, errTooManyChannels),
		errors.Is(err, errChannelFull):
		return err.Error()
	default:
		return "internal error"
	}
}

// writePump pumps frames from the outbound queue to the websocket
// connection and keeps the session alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
