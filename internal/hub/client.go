package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Client is one registered transport peer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	// Set once by registration, read-only afterwards.
	id        string
	typ       models.ClientType
	projectID string

	mu      sync.Mutex
	holding bool
	held    [][]byte
	closed  bool

	closeOnce sync.Once
	lastAck   atomic.Int64
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.OutboxSize),
		done:   make(chan struct{}),
		logger: h.logger,
	}
}

// ID returns the registered client id.
func (c *Client) ID() string { return c.id }

// Type returns the registered client type.
func (c *Client) Type() models.ClientType { return c.typ }

// ProjectID returns the project the client registered for.
func (c *Client) ProjectID() string { return c.projectID }

// LastAck returns the last sequence acknowledged on this connection.
func (c *Client) LastAck() int64 { return c.lastAck.Load() }

// deliver hands a sequenced envelope to the client. While the client is replaying
// the envelope is held; otherwise it goes to the outbox, and a client whose outbox
// is full is disconnected so that it replays on its next registration.
func (c *Client) deliver(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.holding {
		if len(c.held) >= c.hub.opts.HoldLimit {
			c.logger.Warn().Int("held", len(c.held)).Msg("replay backlog exceeded, disconnecting client")
			go c.close()
			return
		}
		c.held = append(c.held, raw)
		return
	}
	select {
	case c.send <- raw:
	default:
		c.logger.Warn().Msg("client outbox full, disconnecting")
		go c.close()
	}
}

// sendDirect queues an unsequenced envelope without blocking.
func (c *Client) sendDirect(env event.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal envelope")
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.logger.Warn().Str("type", env.Type).Msg("client outbox full, disconnecting")
		go c.close()
	}
}

// enqueue blocks until raw is queued or the client closes.
func (c *Client) enqueue(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	case <-c.done:
		return false
	}
}

// release drains held envelopes into the outbox and switches the client live.
// Held envelopes were sequenced after the replay bound, so order is preserved.
func (c *Client) release() bool {
	for {
		c.mu.Lock()
		if len(c.held) == 0 {
			c.holding = false
			c.mu.Unlock()
			return true
		}
		batch := c.held
		c.held = nil
		c.mu.Unlock()

		for _, raw := range batch {
			if !c.enqueue(raw) {
				return false
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.held = nil
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump(handle func(c *Client, env event.Envelope) bool) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env event.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn().Err(err).Msg("invalid envelope")
			c.sendDirect(errorEnvelope("bad_request", "invalid envelope"))
			continue
		}
		if !handle(c, env) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func errorEnvelope(code, msg string) event.Envelope {
	return event.MustNew(event.TypeError, serverClientID, event.ErrorPayload{Code: code, Message: msg})
}
