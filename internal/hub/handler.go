package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/models"
	"github.com/p-blackswan/sentinel/internal/zoneguard"
)

// ServeHTTP upgrades the request and runs the client until it disconnects.
// The first envelope must be REGISTER.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := newClient(h, conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()
	defer h.forget(c)

	reg, err := h.readRegister(conn)
	if err != nil {
		h.reject(conn, err)
		c.close()
		return
	}
	if err := h.register(r.Context(), c, reg); err != nil {
		h.reject(conn, err)
		c.close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	c.readPump(h.route)
	h.unregister(c)
}

func (h *Hub) readRegister(conn *websocket.Conn) (event.RegisterPayload, error) {
	var reg event.RegisterPayload
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.RegisterTimeout))
	var env event.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return reg, fmt.Errorf("reading register: %w", err)
	}
	if env.Type != event.TypeRegister {
		return reg, fmt.Errorf("expected %s, got %s", event.TypeRegister, env.Type)
	}
	if err := env.Decode(&reg); err != nil {
		return reg, err
	}
	if !reg.ClientType.Valid() {
		return reg, fmt.Errorf("unknown client type %q", reg.ClientType)
	}
	if reg.ProjectID == "" || reg.ClientID == "" {
		return reg, errors.New("clientId and projectId are required")
	}
	if h.opts.Verifier != nil {
		if err := h.opts.Verifier.Verify(reg.AuthToken, reg.ProjectID, reg.ClientType); err != nil {
			return reg, fmt.Errorf("%w: %v", serrors.ErrUnauthorized, err)
		}
	}
	return reg, nil
}

// reject writes an ERROR frame. Only called before the write pump starts.
func (h *Hub) reject(conn *websocket.Conn, err error) {
	code := "bad_request"
	if errors.Is(err, serrors.ErrUnauthorized) {
		code = "unauthorized"
	}
	h.logger.Warn().Err(err).Str("code", code).Msg("registration rejected")
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(errorEnvelope(code, err.Error()))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
}

// register attaches the client in holding mode, answers REGISTERED and starts
// the replay of (from, head].
func (h *Hub) register(ctx context.Context, c *Client, reg event.RegisterPayload) error {
	c.id = reg.ClientID
	c.typ = reg.ClientType
	c.projectID = reg.ProjectID
	c.logger = h.logger.With().Str("client_id", c.id).Str("client_type", string(c.typ)).
		Str("project", c.projectID).Logger()

	if err := h.store.EnsureProject(reg.ProjectID, ""); err != nil {
		return err
	}
	if err := h.store.EnsureSystemZones(zoneguard.SystemZones(reg.ProjectID)); err != nil {
		return err
	}

	from, hasFrom := int64(0), false
	if reg.LastSequenceNumber != nil {
		from, hasFrom = *reg.LastSequenceNumber, true
	} else {
		ack, ok, err := h.store.GetClientAck(reg.ClientID, reg.ProjectID)
		if err != nil {
			return err
		}
		from, hasFrom = ack, ok
	}

	m, err := h.machines.Get(c.projectID)
	if err != nil {
		return err
	}

	ps := h.project(reg.ProjectID)
	ps.mu.Lock()
	if err := h.loadHead(reg.ProjectID, ps); err != nil {
		ps.mu.Unlock()
		return err
	}
	head := ps.head
	if !hasFrom || from > head {
		from = head
	}
	c.holding = true
	ps.clients[c] = struct{}{}
	ps.mu.Unlock()

	h.opts.Metrics.ClientConnected(string(c.typ), 1)

	registered := event.RegisteredPayload{
		ClientID:   c.id,
		ProjectID:  c.projectID,
		ReplayFrom: from,
		ReplayTo:   head,
	}
	if earliest, err := h.store.MinSequence(c.projectID); err == nil {
		registered.EarliestSequence = earliest
		if from < head && earliest > from+1 {
			c.logger.Warn().Int64("replay_from", from).Int64("earliest", earliest).
				Msg("replay window starts before retained history, envelopes were pruned")
		}
	} else {
		c.logger.Warn().Err(err).Msg("failed to read earliest sequence")
	}
	if zones, err := h.store.ListZones(c.projectID); err == nil {
		registered.Zones = zones
	} else {
		c.logger.Warn().Err(err).Msg("failed to list zones")
	}

	if c.typ == models.ClientInterceptor && m.State() == models.StateIdle {
		if _, err := m.Apply(ctx, models.CmdStart, models.TriggeredBySystemAgent, "interceptor registered", ""); err != nil {
			c.logger.Debug().Err(err).Msg("start on register skipped")
		}
	}
	ec := m.Context()
	registered.ExecutionState = ec.State
	registered.Context = &ec

	c.sendDirect(event.MustNew(event.TypeRegistered, serverClientID, registered))
	c.logger.Info().Int64("replay_from", from).Int64("replay_to", head).Msg("client registered")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.replay(c, from, head)
	}()
	return nil
}

// replay sends the client's audience envelopes in (from, to] page by page, then
// releases the envelopes held since registration.
func (h *Hub) replay(c *Client, from, to int64) {
	start := time.Now()
	cursor, count := from, 0
	for cursor < to {
		page, err := h.store.GetActionsAfterSequence(c.projectID, c.typ, cursor, to, h.opts.ReplayPageSize)
		if err != nil {
			c.logger.Error().Err(err).Msg("replay read failed, disconnecting client")
			c.close()
			return
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if !c.enqueue(ev.Envelope) {
				c.logger.Info().Int("sent", count).Msg("replay cancelled")
				return
			}
			cursor = ev.Sequence
			count++
		}
	}
	if !c.release() {
		return
	}

	elapsed := time.Since(start)
	if from < to {
		h.opts.Metrics.RecordReplay(count, elapsed.Seconds())
		rec := &models.ReplayRecord{
			ClientID:     c.id,
			ClientType:   c.typ,
			ProjectID:    c.projectID,
			FromSequence: from,
			ToSequence:   to,
			Count:        count,
			Duration:     elapsed,
			CreatedAt:    time.Now().UTC(),
		}
		if err := h.store.InsertReplayRecord(rec); err != nil {
			c.logger.Warn().Err(err).Msg("failed to record replay")
		}
	}
	c.logger.Info().Int64("from", from).Int64("to", to).Int("count", count).Dur("duration", elapsed).Msg("replay complete")
}

func (h *Hub) unregister(c *Client) {
	ps := h.project(c.projectID)
	ps.mu.Lock()
	delete(ps.clients, c)
	ps.mu.Unlock()
	c.close()
	h.opts.Metrics.ClientConnected(string(c.typ), -1)

	if ack := c.LastAck(); ack > 0 {
		if err := h.store.SaveClientAck(c.id, c.projectID, ack); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist ack")
		}
	}
	c.logger.Info().Msg("client disconnected")
}

func (h *Hub) forget(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// route handles one inbound envelope of a registered client. It returns false
// to drop the connection.
func (h *Hub) route(c *Client, env event.Envelope) bool {
	ctx := context.Background()
	switch env.Type {
	case event.TypeHeartbeat:
		c.sendDirect(event.MustNew(event.TypeHeartbeatAck, serverClientID, nil))

	case event.TypeAck:
		var p event.AckPayload
		if err := env.Decode(&p); err != nil {
			c.sendDirect(errorEnvelope("bad_request", err.Error()))
			return true
		}
		if p.Sequence > c.lastAck.Load() {
			c.lastAck.Store(p.Sequence)
			if err := h.store.SaveClientAck(c.id, c.projectID, p.Sequence); err != nil {
				c.logger.Warn().Err(err).Msg("failed to persist ack")
			}
		}

	case event.TypeFileEvent:
		if !h.requireType(c, env, models.ClientInterceptor, models.ClientSimulator) {
			return true
		}
		h.onFileEvent(ctx, c, env)

	case event.TypeRateWarning, event.TypeAgentPaused:
		if !h.requireType(c, env, models.ClientInterceptor, models.ClientSimulator) {
			return true
		}
		h.relayToConsoles(ctx, c, env)

	case event.TypeAgentResumed:
		if !h.requireType(c, env, models.ClientInterceptor, models.ClientSimulator) {
			return true
		}
		h.relayToConsoles(ctx, c, env)
		h.applyCommand(ctx, c, models.CmdResumeComplete, models.TriggeredBySystemAgent, "agent resumed", env.CorrelationID)

	case event.TypeCommandStop, event.TypeCommandContinue, event.TypeCommandReset:
		if !h.requireType(c, env, models.ClientDashboard, models.ClientSimulator) {
			return true
		}
		var p event.CommandPayload
		_ = env.Decode(&p)
		cmd := map[string]models.Command{
			event.TypeCommandStop:     models.CmdStop,
			event.TypeCommandContinue: models.CmdContinue,
			event.TypeCommandReset:    models.CmdReset,
		}[env.Type]
		h.applyCommand(ctx, c, cmd, "client:"+c.id, p.Reason, env.CorrelationID)

	case event.TypeZoneUpdate:
		if !h.requireType(c, env, models.ClientDashboard, models.ClientSimulator) {
			return true
		}
		h.onZoneUpdate(ctx, c, env)

	case event.TypeConfigUpdate:
		if !h.requireType(c, env, models.ClientDashboard, models.ClientSimulator) {
			return true
		}
		h.onConfigUpdate(ctx, c, env)

	case event.TypeRiskSignal:
		var p event.RiskSignalPayload
		if err := env.Decode(&p); err != nil {
			c.sendDirect(errorEnvelope("bad_request", err.Error()))
			return true
		}
		m, err := h.machines.Get(c.projectID)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to load execution state")
			return true
		}
		m.ObserveRisk(ctx, p.Level, p.Reason)

	case event.TypeRegister:
		c.sendDirect(errorEnvelope("bad_request", "already registered"))

	default:
		c.sendDirect(errorEnvelope("unsupported", fmt.Sprintf("unsupported envelope type %s", env.Type)))
	}
	return true
}

func (h *Hub) requireType(c *Client, env event.Envelope, allowed ...models.ClientType) bool {
	for _, t := range allowed {
		if c.typ == t {
			return true
		}
	}
	c.sendDirect(errorEnvelope("forbidden", fmt.Sprintf("%s clients may not send %s", c.typ, env.Type)))
	return false
}

func (h *Hub) onFileEvent(ctx context.Context, c *Client, env event.Envelope) {
	var p event.FileEventPayload
	if err := env.Decode(&p); err != nil {
		c.sendDirect(errorEnvelope("bad_request", err.Error()))
		return
	}
	p.ProjectID = c.projectID
	h.opts.Metrics.RecordClassified(string(p.Event.Action), string(p.Result.Level), p.Result.Blocked)
	if p.Snapshot != nil {
		h.opts.Metrics.RecordSnapshot(p.Snapshot.IsCritical, p.Snapshot.CommitDegraded)
		p.Snapshot.ProjectID = c.projectID
		if err := h.store.InsertSnapshot(p.Snapshot); err != nil {
			c.logger.Warn().Err(err).Str("snapshot", p.Snapshot.ID).Msg("failed to index snapshot")
		}
	}

	out, err := event.New(event.TypeEventBroadcast, serverClientID, p)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build broadcast")
		return
	}
	out.CorrelationID = env.CorrelationID

	seq, err := h.Broadcast(ctx, models.Consoles, c.projectID, out)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to broadcast file event")
		c.sendDirect(errorEnvelope("unavailable", "event not recorded"))
		return
	}

	snapshotID := ""
	if p.Snapshot != nil {
		snapshotID = p.Snapshot.ID
	}
	if m, err := h.machines.Get(c.projectID); err == nil {
		m.ObserveEvent(ctx, snapshotID, seq)
	} else {
		c.logger.Error().Err(err).Msg("failed to load execution state")
	}

	for _, sink := range h.opts.Sinks {
		if err := sink.Publish(ctx, p); err != nil {
			c.logger.Warn().Err(err).Msg("event sink publish failed")
		}
	}
}

func (h *Hub) relayToConsoles(ctx context.Context, c *Client, env event.Envelope) {
	out := env
	out.ClientID = c.id
	out.SequenceNumber = nil
	if err := h.BroadcastConsoles(ctx, c.projectID, out); err != nil {
		c.logger.Error().Err(err).Str("type", env.Type).Msg("failed to relay envelope")
	}
}

func (h *Hub) applyCommand(ctx context.Context, c *Client, cmd models.Command, triggeredBy, reason, correlationID string) {
	m, err := h.machines.Get(c.projectID)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to load execution state")
		c.sendDirect(errorEnvelope("unavailable", "execution state unavailable"))
		return
	}
	if _, err := m.Apply(ctx, cmd, triggeredBy, reason, ""); err != nil {
		code := "unavailable"
		if errors.Is(err, serrors.ErrInvalidTransition) {
			code = "invalid_transition"
		}
		c.logger.Info().Err(err).Str("cmd", string(cmd)).Msg("command rejected")
		e := errorEnvelope(code, err.Error())
		e.CorrelationID = correlationID
		c.sendDirect(e)
	}
}

func (h *Hub) onZoneUpdate(ctx context.Context, c *Client, env event.Envelope) {
	var p event.ZoneUpdatePayload
	if err := env.Decode(&p); err != nil {
		c.sendDirect(errorEnvelope("bad_request", err.Error()))
		return
	}
	if err := h.UpdateZones(ctx, c.projectID, p.Zones); err != nil {
		code := "unavailable"
		if errors.Is(err, serrors.ErrInvalidZone) || errors.Is(err, serrors.ErrSystemZone) {
			code = "invalid_zone"
		}
		e := errorEnvelope(code, err.Error())
		e.CorrelationID = env.CorrelationID
		c.sendDirect(e)
	}
}

// UpdateZones validates and persists a project's configured zones, then pushes
// the full zone set, system zones included, to the interceptor and consoles.
func (h *Hub) UpdateZones(ctx context.Context, projectID string, zones []models.ProtectionZone) error {
	var kept []models.ProtectionZone
	for i := range zones {
		z := zones[i]
		if z.IsSystem {
			continue
		}
		z.ProjectID = projectID
		if err := zoneguard.ValidateZone(&z); err != nil {
			return err
		}
		kept = append(kept, z)
	}
	if err := h.store.ReplaceZones(projectID, kept); err != nil {
		return err
	}
	all, err := h.store.ListZones(projectID)
	if err != nil {
		return err
	}
	env, err := event.New(event.TypeZoneUpdate, serverClientID, event.ZoneUpdatePayload{ProjectID: projectID, Zones: all})
	if err != nil {
		return err
	}
	_, err = h.Broadcast(ctx, models.Consoles.With(models.ClientInterceptor), projectID, env)
	return err
}

func (h *Hub) onConfigUpdate(ctx context.Context, c *Client, env event.Envelope) {
	var p event.ConfigUpdatePayload
	if err := env.Decode(&p); err != nil {
		c.sendDirect(errorEnvelope("bad_request", err.Error()))
		return
	}
	if err := h.UpdateConfig(ctx, c.projectID, p); err != nil {
		c.sendDirect(errorEnvelope("unavailable", err.Error()))
	}
}

// UpdateConfig applies execution limits to the project's state machine and pushes
// them to the interceptor, whose throttle follows the same rate limit.
func (h *Hub) UpdateConfig(ctx context.Context, projectID string, p event.ConfigUpdatePayload) error {
	if p.RateLimit != nil && (p.RateLimit.MaxEvents < 0 || p.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: rate limit needs maxEvents >= 0 and a positive window", serrors.ErrInvalidConfig)
	}
	m, err := h.machines.Get(projectID)
	if err != nil {
		return err
	}
	m.Configure(p.AutoStopRiskThreshold, p.RateLimit)
	p.ProjectID = projectID
	env, err := event.New(event.TypeConfigUpdate, serverClientID, p)
	if err != nil {
		return err
	}
	_, err = h.Broadcast(ctx, models.AudienceOf(models.ClientInterceptor), projectID, env)
	return err
}
