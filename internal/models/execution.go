package models

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionState gates the supervised agent.
type ExecutionState string

const (
	StateIdle     ExecutionState = "IDLE"
	StateRunning  ExecutionState = "RUNNING"
	StateStopped  ExecutionState = "STOPPED"
	StateResuming ExecutionState = "RESUMING"
	StateError    ExecutionState = "ERROR"
)

// Command drives ExecutionState transitions.
type Command string

const (
	CmdStart          Command = "START"
	CmdStop           Command = "STOP_CMD"
	CmdContinue       Command = "CONTINUE_CMD"
	CmdResumeComplete Command = "RESUME_COMPLETE"
	CmdReset          Command = "RESET_CMD"
	CmdFail           Command = "FAIL"
)

// Trigger sources recorded in the transition history.
const (
	TriggeredBySystemCircuitBreaker = "system:circuit_breaker"
	TriggeredBySystemRisk           = "system:risk"
	TriggeredBySystemAgent          = "system:agent"
)

// RiskLevel is an ordinal risk classification produced by a scorer.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "none"
	}
}

// ParseRiskLevel accepts low, medium, high and critical. An empty string or
// "none" yields 0, which disables risk stops.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return 0, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

// RateLimit bounds event velocity: at most MaxEvents per Window.
type RateLimit struct {
	MaxEvents int           `json:"maxEvents"`
	Window    time.Duration `json:"window"`
}

// ExecutionContext is the per-project execution record. It is mutated only by the
// execution state machine.
type ExecutionContext struct {
	ProjectID             string         `json:"projectId"`
	State                 ExecutionState `json:"state"`
	LastSnapshotID        string         `json:"lastSnapshotId,omitempty"`
	LastEventSequence     int64          `json:"lastEventSequence"`
	PendingActions        int            `json:"pendingActions"`
	StoppedAt             *time.Time     `json:"stoppedAt,omitempty"`
	StopReason            string         `json:"stopReason,omitempty"`
	ErrorMessage          string         `json:"errorMessage,omitempty"`
	AutoStopRiskThreshold RiskLevel      `json:"autoStopRiskThreshold"`
	RateLimit             RateLimit      `json:"rateLimit"`
}

// StateTransition is one immutable entry of the execution history log.
type StateTransition struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	FromState   ExecutionState `json:"fromState"`
	ToState     ExecutionState `json:"toState"`
	Trigger     Command        `json:"triggerEvent"`
	TriggeredBy string         `json:"triggeredBy"`
	SnapshotID  string         `json:"snapshotId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
