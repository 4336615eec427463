// Package mgmt provides the management API of the sentinel server: read access to
// snapshots, zones and execution history, plus the operator command surface.
package mgmt

import (
	"time"

	"github.com/p-blackswan/sentinel/internal/models"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// LabelRequest is the body of PATCH /projects/:id/snapshots/:sid.
type LabelRequest struct {
	Label string `json:"label"`
}

// ZonesRequest is the body of PUT /projects/:id/zones.
type ZonesRequest struct {
	Zones []models.ProtectionZone `json:"zones"`
}

// CommandRequest is the body of POST /projects/:id/commands/:cmd.
type CommandRequest struct {
	Reason string `json:"reason"`
}

// ConfigRequest is the body of PUT /projects/:id/config.
type ConfigRequest struct {
	AutoStopRiskThreshold *string           `json:"autoStopRiskThreshold,omitempty"`
	RateLimit             *models.RateLimit `json:"rateLimit,omitempty"`
}

// StateResponse wraps the execution context with the sequence head.
type StateResponse struct {
	Context  models.ExecutionContext `json:"context"`
	Sequence int64                   `json:"sequence"`
}

// ListResponse wraps a list endpoint result.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Uptime   string                           `json:"uptime"`
	Started  time.Time                        `json:"started"`
	Clients  int                              `json:"clients"`
	Projects map[string]models.ExecutionState `json:"projects"`
}
