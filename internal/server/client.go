package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"geotrack/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one live WebSocket connection. Every client is an observer
// of all broadcasts from the moment it connects; it additionally
// represents a device once it sends a registerDevice event. The id is
// the connection identifier the registry binds device ids to.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	tracker     *Tracker
	addr        string
	closed      bool
	rateLimiter *rateLimiter
	log         zerolog.Logger
}

// NewClient wraps an upgraded connection. The send channel is buffered
// so a momentarily slow reader does not stall the hub.
func NewClient(conn *websocket.Conn, hub *Hub, tracker *Tracker, addr string, maxMessageSize int64, limit rateLimitConfig) *Client {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         hub,
		tracker:     tracker,
		addr:        addr,
		rateLimiter: newRateLimiter(limit.burst, limit.refillInterval),
		log:         logging.With().Str("connection_id", id).Str("remote_addr", addr).Logger(),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the read failure that ended the pump.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

// handleMessage decodes one inbound envelope and dispatches it to the
// tracker. Malformed messages are logged and dropped; no error is
// returned to the sender in any case.
func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed message")
		return
	}

	switch env.Event {
	case EventRegisterDevice:
		var p RegisterPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed registerDevice payload")
			return
		}
		if err := c.tracker.Register(ctx, c.id, p); err != nil {
			c.log.Warn().Err(err).Msg("registration rejected")
		}

	case EventSendLocation:
		var p LocationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed sendLocation payload")
			return
		}
		if err := c.tracker.UpdateLocation(ctx, c.id, p); err != nil {
			c.log.Warn().Err(err).Msg("location update rejected")
		}

	default:
		c.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

// readPump pumps inbound events from the connection into the tracker.
// Whatever ends the loop, the connection is unbound and the disconnect
// is announced before the client leaves the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.tracker.Disconnect(context.Background(), c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		if c.rateLimiter != nil && !c.rateLimiter.allow() {
			c.log.Warn().Msg("rate limit exceeded, discarding message")
			continue
		}

		c.handleMessage(context.Background(), raw)
	}
}

// writePump pumps hub broadcasts out to the connection and keeps it
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("error setting write deadline")
				return
			}

			if !ok {
				// The hub closed the channel.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.log.Error().Err(err).Msg("error writing close message")
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing connection")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("error setting write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError reports whether an error is routine connection
// teardown rather than something worth surfacing.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
