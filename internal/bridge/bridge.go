// Package bridge maintains the client side of the event transport: one durable
// websocket connection to the sentinel server with registration, heartbeats,
// reconnect backoff and a bounded outbound queue.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/retry"
)

// State is the connection state of a Bridge.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds Bridge configuration.
type Config struct {
	// URL is the server websocket endpoint, e.g. "ws://localhost:8787/ws".
	URL string

	ClientType models.ClientType
	ClientID   string
	ProjectID  string
	AuthToken  string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	// QueueCapacity bounds the outbound queue used while disconnected.
	QueueCapacity int

	Backoff retry.Backoff

	// OnDrop is called for every envelope dropped because the queue was full.
	OnDrop func(event.Envelope)
	// OnState is called on every state change with the bridge lock held; it must
	// not call back into the Bridge.
	OnState func(State)
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8787/ws",
		ClientType:        models.ClientInterceptor,
		HeartbeatInterval: 15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		QueueCapacity:     1000,
		Backoff:           retry.DefaultBackoff(),
	}
}

// Handler receives inbound envelopes on the read goroutine. It must not block.
type Handler func(event.Envelope)

// Bridge is a reconnecting websocket client.
type Bridge struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	queue    []event.Envelope
	lastSeq  int64
	hasSeq   bool
	failures int
	closed   bool
	started  bool
	cancel   context.CancelFunc

	dropped atomic.Int64
	done    chan struct{}
	conns   sync.WaitGroup
}

// New creates a Bridge. Call Start to connect.
func New(cfg Config, handler Handler, logger zerolog.Logger) *Bridge {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.ClientType == "" {
		cfg.ClientType = def.ClientType
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if handler == nil {
		handler = func(event.Envelope) {}
	}
	return &Bridge{
		cfg:     cfg,
		handler: handler,
		logger: logger.With().Str("component", "bridge").
			Str("client_id", cfg.ClientID).Str("project", cfg.ProjectID).Logger(),
		done: make(chan struct{}),
	}
}

// ClientID returns the id sent on REGISTER.
func (b *Bridge) ClientID() string { return b.cfg.ClientID }

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether the bridge is registered and live.
func (b *Bridge) IsConnected() bool { return b.State() == StateConnected }

// Dropped returns the number of envelopes dropped because the queue was full.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Queued returns the number of envelopes waiting for a connection.
func (b *Bridge) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Failures returns the number of consecutive connection attempts that did not
// reach REGISTERED, lost sessions included.
func (b *Bridge) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastSequence returns the highest sequence number delivered to the handler.
func (b *Bridge) LastSequence() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq, b.hasSeq
}

// SetLastSequence seeds the replay position sent on the next REGISTER.
func (b *Bridge) SetLastSequence(n int64) {
	b.mu.Lock()
	b.lastSeq = n
	b.hasSeq = true
	b.mu.Unlock()
}

// Start runs the connection loop until Disconnect or ctx cancellation.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return serrors.ErrClosed
	}
	if b.started {
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	go b.run(ctx)
	return nil
}

// Disconnect terminates the bridge. No reconnect is attempted afterwards and
// every goroutine and timer is released before it returns.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	if b.cancel != nil {
		b.cancel()
	}
	conn := b.conn
	b.conn = nil
	b.setStateLocked(StateClosed)
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	b.mu.Unlock()

	if started {
		<-b.done
	}
	b.conns.Wait()
	b.logger.Info().Int("queued", b.Queued()).Int64("dropped", b.Dropped()).Msg("bridge disconnected")
}

// Send writes env immediately when connected, otherwise queues it. When the
// queue is full the envelope is dropped and ErrQueueFull returned.
func (b *Bridge) Send(env event.Envelope) error {
	if env.ClientID == "" {
		env.ClientID = b.cfg.ClientID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return serrors.ErrClosed
	}
	if b.state == StateConnected && b.conn != nil {
		err := b.writeLocked(b.conn, env)
		if err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Str("type", env.Type).Msg("send failed, queueing")
		// The read loop notices the closed connection and reconnects.
		_ = b.conn.Close()
		b.setStateLocked(StateError)
	}
	return b.enqueueLocked(env)
}

func (b *Bridge) enqueueLocked(env event.Envelope) error {
	if len(b.queue) >= b.cfg.QueueCapacity {
		b.dropped.Add(1)
		b.logger.Warn().Str("type", env.Type).Int("capacity", b.cfg.QueueCapacity).Msg("outbound queue full, dropping envelope")
		if b.cfg.OnDrop != nil {
			b.cfg.OnDrop(env)
		}
		return serrors.ErrQueueFull
	}
	b.queue = append(b.queue, env)
	return nil
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		b.setState(StateConnecting)

		conn, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.mu.Lock()
			b.failures++
			failures := b.failures
			b.setStateLocked(StateReconnecting)
			b.mu.Unlock()

			delay := b.cfg.Backoff.Delay(failures)
			b.logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("connect failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		b.logger.Info().Str("url", b.cfg.URL).Msg("connected")
		stop := make(chan struct{})
		b.conns.Add(1)
		go b.heartbeat(conn, stop)

		b.readLoop(conn)

		close(stop)
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		// A lost session counts as a failure. Only REGISTERED clears the count.
		b.failures++
		failures := b.failures
		if !b.closed {
			b.setStateLocked(StateReconnecting)
		}
		b.mu.Unlock()
		_ = conn.Close()

		delay := b.cfg.Backoff.Delay(failures)
		b.logger.Info().Int("failures", failures).Dur("retry_in", delay).Msg("connection lost")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// connect dials, registers and flushes the queue. The bridge becomes connected
// only after the queue is drained, so no new traffic overtakes queued envelopes.
func (b *Bridge) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return nil, serrors.ErrClosed
	}

	reg := event.RegisterPayload{
		ClientType: b.cfg.ClientType,
		ClientID:   b.cfg.ClientID,
		ProjectID:  b.cfg.ProjectID,
		AuthToken:  b.cfg.AuthToken,
	}
	if b.hasSeq {
		last := b.lastSeq
		reg.LastSequenceNumber = &last
	}
	env, err := event.New(event.TypeRegister, b.cfg.ClientID, reg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := b.writeLocked(conn, env.WithCorrelation()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	flushed := 0
	for len(b.queue) > 0 {
		if err := b.writeLocked(conn, b.queue[0]); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("flushing queue: %w", err)
		}
		b.queue = b.queue[1:]
		flushed++
	}
	b.queue = nil

	b.conn = conn
	b.setStateLocked(StateConnected)
	if flushed > 0 {
		b.logger.Info().Int("count", flushed).Msg("flushed queued envelopes")
	}
	return conn, nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !b.isClosed() {
				b.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			b.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}
		b.dispatch(conn, env)
	}
}

func (b *Bridge) dispatch(conn *websocket.Conn, env event.Envelope) {
	switch env.Type {
	case event.TypeHeartbeatAck:
		return
	case event.TypeRegistered:
		b.mu.Lock()
		b.failures = 0
		b.mu.Unlock()
		var p event.RegisteredPayload
		if err := env.Decode(&p); err == nil && p.ReplayFrom < p.ReplayTo && p.EarliestSequence > p.ReplayFrom+1 {
			b.logger.Warn().Int64("replay_from", p.ReplayFrom).Int64("earliest", p.EarliestSequence).
				Msg("server pruned part of the replay window")
		}
	case event.TypeError:
		var p event.ErrorPayload
		if err := env.Decode(&p); err == nil {
			b.logger.Error().Str("code", p.Code).Str("message", p.Message).Msg("server error")
		}
	}

	if env.SequenceNumber != nil {
		seq := *env.SequenceNumber
		b.mu.Lock()
		if b.hasSeq && seq <= b.lastSeq {
			b.mu.Unlock()
			b.logger.Debug().Int64("seq", seq).Msg("duplicate envelope dropped")
			return
		}
		b.lastSeq = seq
		b.hasSeq = true
		b.mu.Unlock()

		b.handler(env)

		ack := event.MustNew(event.TypeAck, b.cfg.ClientID, event.AckPayload{Sequence: seq})
		b.mu.Lock()
		if b.conn == conn {
			if err := b.writeLocked(conn, ack); err != nil {
				b.logger.Debug().Err(err).Msg("ack failed")
			}
		}
		b.mu.Unlock()
		return
	}
	b.handler(env)
}

func (b *Bridge) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	defer b.conns.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env := event.MustNew(event.TypeHeartbeat, b.cfg.ClientID, nil)
			b.mu.Lock()
			if b.conn != conn {
				b.mu.Unlock()
				return
			}
			err := b.writeLocked(conn, env)
			b.mu.Unlock()
			if err != nil {
				b.logger.Warn().Err(err).Msg("heartbeat failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// writeLocked writes one envelope. Caller holds mu, which also serialises writers
// on the connection.
func (b *Bridge) writeLocked(conn *websocket.Conn, env event.Envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.setStateLocked(s)
	b.mu.Unlock()
}

func (b *Bridge) setStateLocked(s State) {
	if b.closed && s != StateClosed {
		return
	}
	if b.state == s {
		return
	}
	b.state = s
	if b.cfg.OnState != nil {
		b.cfg.OnState(s)
	}
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
