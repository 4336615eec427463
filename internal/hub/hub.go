// Package hub is the server side of the event transport. It registers clients,
// assigns per-project sequence numbers, records every broadcast durably, replays
// missed envelopes to re-registering clients and routes inbound envelopes to the
// execution state machines.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/execution"
	"github.com/p-blackswan/sentinel/internal/metrics"
	"github.com/p-blackswan/sentinel/internal/models"
)

const serverClientID = "sentinel-server"

// Store is the persistence the hub needs.
type Store interface {
	InsertActionEvent(ev *models.ActionEvent) error
	GetActionsAfterSequence(projectID string, target models.ClientType, after, upTo int64, limit int) ([]models.ActionEvent, error)
	MaxSequence(projectID string) (int64, error)
	MinSequence(projectID string) (int64, error)
	SaveClientAck(clientID, projectID string, seq int64) error
	GetClientAck(clientID, projectID string) (int64, bool, error)
	InsertReplayRecord(r *models.ReplayRecord) error
	InsertSnapshot(snap *models.Snapshot) error
	EnsureProject(id, root string) error
	EnsureSystemZones(zones []models.ProtectionZone) error
	ListZones(projectID string) ([]models.ProtectionZone, error)
	ReplaceZones(projectID string, zones []models.ProtectionZone) error
}

// Verifier authenticates the token carried in REGISTER.
type Verifier interface {
	Verify(token, projectID string, clientType models.ClientType) error
}

// EventSink receives every classified file event, e.g. for risk scoring.
type EventSink interface {
	Publish(ctx context.Context, p event.FileEventPayload) error
}

// Alerter delivers page-worthy notifications.
type Alerter interface {
	Alert(ctx context.Context, title, text string) error
}

// Options tunes the hub.
type Options struct {
	OutboxSize      int
	ReplayPageSize  int
	HoldLimit       int
	RegisterTimeout time.Duration

	Verifier Verifier
	Metrics  *metrics.Metrics
	Alerter  Alerter
	Sinks    []EventSink
}

// DefaultOptions returns sane defaults.
func DefaultOptions() Options {
	return Options{
		OutboxSize:      256,
		ReplayPageSize:  500,
		HoldLimit:       4096,
		RegisterTimeout: 10 * time.Second,
	}
}


type projectState struct {
	mu      sync.Mutex
	loaded  bool
	head    int64
	clients map[*Client]struct{}
}

// Hub owns all client connections.
type Hub struct {
	store    Store
	machines *execution.Registry
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	projects map[string]*projectState
	clients  map[*Client]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a hub and installs it as the registry's agent commander and
// transition observer.
func New(store Store, machines *execution.Registry, opts Options, logger zerolog.Logger) *Hub {
	def := DefaultOptions()
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = def.OutboxSize
	}
	if opts.ReplayPageSize <= 0 {
		opts.ReplayPageSize = def.ReplayPageSize
	}
	if opts.HoldLimit <= 0 {
		opts.HoldLimit = def.HoldLimit
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = def.RegisterTimeout
	}
	h := &Hub{
		store:    store,
		machines: machines,
		opts:     opts,
		logger:   logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		projects: make(map[string]*projectState),
		clients:  make(map[*Client]struct{}),
	}
	machines.SetCommander(h)
	machines.SetOnChange(h.onTransition)
	return h
}

func (h *Hub) project(id string) *projectState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ps, ok := h.projects[id]
	if !ok {
		ps = &projectState{clients: make(map[*Client]struct{})}
		h.projects[id] = ps
	}
	return ps
}

// loadHead reads the sequence head on first use. Caller holds ps.mu.
func (h *Hub) loadHead(projectID string, ps *projectState) error {
	if ps.loaded {
		return nil
	}
	head, err := h.store.MaxSequence(projectID)
	if err != nil {
		return err
	}
	ps.head = head
	ps.loaded = true
	return nil
}

// Broadcast assigns the next project sequence to env, records it durably and fans
// it out to the project's clients whose type is in audience. One envelope takes
// one sequence whatever its audience. When the durable record fails the sequence
// is not advanced and nothing is delivered.
func (h *Hub) Broadcast(ctx context.Context, audience models.Audience, projectID string, env event.Envelope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if env.ClientID == "" {
		env.ClientID = serverClientID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	ps := h.project(projectID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := h.loadHead(projectID, ps); err != nil {
		return 0, fmt.Errorf("loading sequence head: %w", err)
	}

	seq := ps.head + 1
	env = env.WithSeq(seq)
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s envelope: %w", env.Type, err)
	}
	if err := h.store.InsertActionEvent(&models.ActionEvent{
		ProjectID: projectID,
		Sequence:  seq,
		Audience:  audience,
		Type:      env.Type,
		Envelope:  raw,
		CreatedAt: env.Timestamp,
	}); err != nil {
		return 0, err
	}
	ps.head = seq

	delivered := 0
	for c := range ps.clients {
		if audience.Includes(c.typ) {
			c.deliver(raw)
			delivered++
		}
	}
	for _, t := range audience.Types() {
		h.opts.Metrics.RecordBroadcast(string(t))
	}
	h.logger.Debug().Str("project", projectID).Str("type", env.Type).Stringer("audience", audience).
		Int64("seq", seq).Int("clients", delivered).Msg("broadcast")
	return seq, nil
}

// BroadcastConsoles broadcasts env once to dashboards and simulators.
func (h *Hub) BroadcastConsoles(ctx context.Context, projectID string, env event.Envelope) error {
	_, err := h.Broadcast(ctx, models.Consoles, projectID, env)
	return err
}

// Head returns the current sequence head of a project.
func (h *Hub) Head(projectID string) (int64, error) {
	ps := h.project(projectID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := h.loadHead(projectID, ps); err != nil {
		return 0, err
	}
	return ps.head, nil
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CommandAgent relays an execution command to the project's interceptor.
func (h *Hub) CommandAgent(ctx context.Context, projectID string, cmd models.Command, reason, triggeredBy string) error {
	var typ string
	switch cmd {
	case models.CmdStop:
		typ = event.TypeCommandStop
	case models.CmdContinue:
		typ = event.TypeCommandContinue
	case models.CmdReset:
		typ = event.TypeCommandReset
	default:
		return fmt.Errorf("command %s is not relayed to agents", cmd)
	}
	env, err := event.New(typ, serverClientID, event.CommandPayload{
		ProjectID:   projectID,
		Reason:      reason,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return err
	}
	_, err = h.Broadcast(ctx, models.AudienceOf(models.ClientInterceptor), projectID, env.WithCorrelation())
	return err
}

func (h *Hub) onTransition(tr models.StateTransition, ec models.ExecutionContext) {
	ctx := context.Background()
	h.opts.Metrics.RecordTransition(string(tr.ToState), string(tr.Trigger))

	env, err := event.New(event.TypeStateChange, serverClientID, event.StateChangePayload{Transition: tr, Context: ec})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to build state change")
		return
	}
	if err := h.BroadcastConsoles(ctx, tr.ProjectID, env); err != nil {
		h.logger.Error().Err(err).Str("project", tr.ProjectID).Msg("failed to broadcast state change")
	}

	automatic := tr.TriggeredBy == models.TriggeredBySystemCircuitBreaker || tr.TriggeredBy == models.TriggeredBySystemRisk
	if tr.Trigger == models.CmdStop && automatic && h.opts.Alerter != nil {
		title := fmt.Sprintf("Agent stopped on project %s", tr.ProjectID)
		if err := h.opts.Alerter.Alert(ctx, title, tr.Reason); err != nil {
			h.logger.Warn().Err(err).Msg("failed to send alert")
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
	h.logger.Info().Int("clients", len(clients)).Msg("hub closed")
}
