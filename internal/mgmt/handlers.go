package mgmt

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
	"github.com/p-blackswan/sentinel/internal/execution"
	"github.com/p-blackswan/sentinel/internal/health"
	"github.com/p-blackswan/sentinel/internal/models"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store is the read side of the server database.
type Store interface {
	ListProjects() ([]models.Project, error)
	ProjectExists(id string) (bool, error)
	FindSnapshotsByProject(projectID string, limit int) ([]*models.Snapshot, error)
	SetSnapshotLabel(projectID, id, label string) error
	ListZones(projectID string) ([]models.ProtectionZone, error)
	DeleteZone(projectID, id string) error
	ListStateHistory(projectID string, limit int) ([]models.StateTransition, error)
	ListReplayRecords(projectID string, limit int) ([]models.ReplayRecord, error)
}

// Controller pushes changes to connected clients. The hub implements it.
type Controller interface {
	UpdateZones(ctx context.Context, projectID string, zones []models.ProtectionZone) error
	UpdateConfig(ctx context.Context, projectID string, p event.ConfigUpdatePayload) error
	Head(projectID string) (int64, error)
	ClientCount() int
}

// Machines resolves per-project execution state machines.
type Machines interface {
	Get(projectID string) (*execution.Machine, error)
	States() map[string]models.ExecutionState
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store      Store
	controller Controller
	machines   Machines
	checker    *health.Checker
	logger     zerolog.Logger
	startTime  time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store Store, controller Controller, machines Machines, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:      store,
		controller: controller,
		machines:   machines,
		checker:    checker,
		logger:     logger.With().Str("component", "handlers").Logger(),
		startTime:  time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(health.Report{Status: health.StatusOK, Checks: map[string]health.Status{}})
	}
	report := h.checker.RunAll(c.UserContext())
	if !report.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		Started:  h.startTime.UTC(),
		Clients:  h.controller.ClientCount(),
		Projects: h.machines.States(),
	})
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects, err := h.store.ListProjects()
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(list(projects))
}

// ListSnapshots handles GET /api/v1/projects/:id/snapshots.
func (h *Handlers) ListSnapshots(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	limit, ok := parseLimit(c)
	if !ok {
		return nil
	}
	snaps, err := h.store.FindSnapshotsByProject(pid, limit)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(list(snaps))
}

// LabelSnapshot handles PATCH /api/v1/projects/:id/snapshots/:sid.
func (h *Handlers) LabelSnapshot(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	var req LabelRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := h.store.SetSnapshotLabel(pid, c.Params("sid"), strings.TrimSpace(req.Label)); err != nil {
		if errors.Is(err, serrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"snapshot_not_found", "Not Found",
				"Snapshot "+c.Params("sid")+" does not exist")
		}
		return h.internal(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListZones handles GET /api/v1/projects/:id/zones.
func (h *Handlers) ListZones(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	zones, err := h.store.ListZones(pid)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(list(zones))
}

// ReplaceZones handles PUT /api/v1/projects/:id/zones. System zones in the body
// are ignored; the stored system zones always survive.
func (h *Handlers) ReplaceZones(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	var req ZonesRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := h.controller.UpdateZones(c.UserContext(), pid, req.Zones); err != nil {
		return h.zoneError(c, err)
	}
	return h.ListZones(c)
}

// DeleteZone handles DELETE /api/v1/projects/:id/zones/:zid.
func (h *Handlers) DeleteZone(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	if err := h.store.DeleteZone(pid, c.Params("zid")); err != nil {
		return h.zoneError(c, err)
	}
	remaining, err := h.store.ListZones(pid)
	if err != nil {
		return h.internal(c, err)
	}
	if err := h.controller.UpdateZones(c.UserContext(), pid, remaining); err != nil {
		return h.zoneError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) zoneError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, serrors.ErrSystemZone):
		return problemResponse(c, fiber.StatusConflict,
			"system_zone", "Conflict", err.Error())
	case errors.Is(err, serrors.ErrInvalidZone):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_zone", "Bad Request", err.Error())
	case errors.Is(err, serrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"zone_not_found", "Not Found", err.Error())
	}
	return h.internal(c, err)
}

// GetState handles GET /api/v1/projects/:id/state.
func (h *Handlers) GetState(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	m, err := h.machines.Get(pid)
	if err != nil {
		return h.internal(c, err)
	}
	head, err := h.controller.Head(pid)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(StateResponse{Context: m.Context(), Sequence: head})
}

// StateHistory handles GET /api/v1/projects/:id/state/history.
func (h *Handlers) StateHistory(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	limit, ok := parseLimit(c)
	if !ok {
		return nil
	}
	history, err := h.store.ListStateHistory(pid, limit)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(list(history))
}

var commands = map[string]models.Command{
	"stop":     models.CmdStop,
	"continue": models.CmdContinue,
	"reset":    models.CmdReset,
}

// Command handles POST /api/v1/projects/:id/commands/:cmd.
func (h *Handlers) Command(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	cmd, known := commands[strings.ToLower(c.Params("cmd"))]
	if !known {
		return problemResponse(c, fiber.StatusBadRequest,
			"unknown_command", "Bad Request",
			"Command must be one of stop, continue, reset")
	}
	var req CommandRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}
	m, err := h.machines.Get(pid)
	if err != nil {
		return h.internal(c, err)
	}
	tr, err := m.Apply(c.UserContext(), cmd, "api", req.Reason, "")
	if err != nil {
		if errors.Is(err, serrors.ErrInvalidTransition) {
			return problemResponse(c, fiber.StatusConflict,
				"invalid_transition", "Conflict", err.Error())
		}
		return h.internal(c, err)
	}
	h.logger.Info().Str("project", pid).Str("cmd", string(cmd)).Str("to", string(tr.ToState)).Msg("operator command applied")
	return c.JSON(tr)
}

// UpdateConfig handles PUT /api/v1/projects/:id/config.
func (h *Handlers) UpdateConfig(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	var req ConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	p := event.ConfigUpdatePayload{RateLimit: req.RateLimit}
	if req.AutoStopRiskThreshold != nil {
		level, err := models.ParseRiskLevel(*req.AutoStopRiskThreshold)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_config", "Bad Request", err.Error())
		}
		p.AutoStopRiskThreshold = &level
	}
	if err := h.controller.UpdateConfig(c.UserContext(), pid, p); err != nil {
		if errors.Is(err, serrors.ErrInvalidConfig) {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_config", "Bad Request", err.Error())
		}
		return h.internal(c, err)
	}
	return h.GetState(c)
}

// ListReplays handles GET /api/v1/projects/:id/replays.
func (h *Handlers) ListReplays(c *fiber.Ctx) error {
	pid, ok := h.project(c)
	if !ok {
		return nil
	}
	limit, ok := parseLimit(c)
	if !ok {
		return nil
	}
	records, err := h.store.ListReplayRecords(pid, limit)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(list(records))
}

// project resolves :id. When it returns false the response has been written.
func (h *Handlers) project(c *fiber.Ctx) (string, bool) {
	pid := c.Params("id")
	exists, err := h.store.ProjectExists(pid)
	if err != nil {
		_ = h.internal(c, err)
		return "", false
	}
	if !exists {
		_ = problemResponse(c, fiber.StatusNotFound,
			"project_not_found", "Not Found",
			"Project "+pid+" is not registered")
		return "", false
	}
	return pid, true
}

func parseLimit(c *fiber.Ctx) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		_ = problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request",
			"limit must be a positive integer")
		return 0, false
	}
	return min(n, maxLimit), true
}

func (h *Handlers) internal(c *fiber.Ctx, err error) error {
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error",
		"An internal error occurred")
}
