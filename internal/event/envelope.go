// Package event defines the Envelope wire unit and the typed payloads carried in it.
// Every message in both directions between interceptors, consoles and the server is
// an Envelope encoded as a JSON websocket text frame.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/sentinel/internal/models"
)

// Type identifiers for envelopes.
const (
	TypeRegister        = "REGISTER"
	TypeRegistered      = "REGISTERED"
	TypeHeartbeat       = "HEARTBEAT"
	TypeHeartbeatAck    = "HEARTBEAT_ACK"
	TypeAck             = "ACK"
	TypeError           = "ERROR"
	TypeFileEvent       = "FILE_EVENT"
	TypeEventBroadcast  = "EVENT_BROADCAST"
	TypeStateChange     = "STATE_CHANGE"
	TypeRateWarning     = "RATE_WARNING"
	TypeCommandStop     = "COMMAND_STOP"
	TypeCommandContinue = "COMMAND_CONTINUE"
	TypeCommandReset    = "COMMAND_RESET"
	TypeAgentPaused     = "AGENT_PAUSED"
	TypeAgentResumed    = "AGENT_RESUMED"
	TypeZoneUpdate      = "ZONE_UPDATE"
	TypeConfigUpdate    = "CONFIG_UPDATE"
	TypeRiskSignal      = "RISK_SIGNAL"
)

// Envelope is the wire unit for every message.
type Envelope struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	SequenceNumber *int64          `json:"sequenceNumber,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ClientID       string          `json:"clientId"`
}

// New builds an envelope with a marshalled payload and the current time.
func New(typ, clientID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		ClientID:  clientID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(typ, clientID string, payload any) Envelope {
	env, err := New(typ, clientID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithCorrelation returns a copy carrying a fresh correlation id when none is set.
func (e Envelope) WithCorrelation() Envelope {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e
}

// Seq returns the sequence number, or 0 when the envelope is unsequenced.
func (e Envelope) Seq() int64 {
	if e.SequenceNumber == nil {
		return 0
	}
	return *e.SequenceNumber
}

// WithSeq returns a copy stamped with sequence n.
func (e Envelope) WithSeq(n int64) Envelope {
	e.SequenceNumber = &n
	return e
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// --- Payloads ---

// RegisterPayload is the registration handshake. LastSequenceNumber is nil when the
// client has no local position; the server then falls back to its durable ack.
type RegisterPayload struct {
	ClientType         models.ClientType `json:"clientType"`
	ClientID           string            `json:"clientId"`
	ProjectID          string            `json:"projectId"`
	AuthToken          string            `json:"authToken,omitempty"`
	LastSequenceNumber *int64            `json:"lastSequenceNumber,omitempty"`
}

// RegisteredPayload confirms registration and announces the replay window.
// EarliestSequence is the oldest sequence still retained for the project; when it
// exceeds ReplayFrom+1 the envelopes in between were pruned and the replay has a gap.
type RegisteredPayload struct {
	ClientID         string                   `json:"clientId"`
	ProjectID        string                   `json:"projectId"`
	ReplayFrom       int64                    `json:"replayFrom"`
	ReplayTo         int64                    `json:"replayTo"`
	EarliestSequence int64                    `json:"earliestSequence,omitempty"`
	ExecutionState   models.ExecutionState    `json:"executionState"`
	Zones            []models.ProtectionZone  `json:"zones,omitempty"`
	Context          *models.ExecutionContext `json:"context,omitempty"`
}

// AckPayload acknowledges everything up to and including Sequence.
type AckPayload struct {
	Sequence int64 `json:"sequence"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FileEventPayload is a classified filesystem event emitted by an interceptor.
type FileEventPayload struct {
	ProjectID  string                 `json:"projectId"`
	Event      models.FileEvent       `json:"event"`
	Result     models.ZoneCheckResult `json:"result"`
	Snapshot   *models.Snapshot       `json:"snapshot,omitempty"`
	Remediated bool                   `json:"remediated,omitempty"`
}

// StateChangePayload announces an execution state transition.
type StateChangePayload struct {
	Transition models.StateTransition  `json:"transition"`
	Context    models.ExecutionContext `json:"context"`
}

// CommandPayload carries an operator or automatic command.
type CommandPayload struct {
	ProjectID   string `json:"projectId"`
	Reason      string `json:"reason,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// RateWarningPayload is emitted once per window when the client throttle trips.
type RateWarningPayload struct {
	ProjectID string        `json:"projectId"`
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
}

// ZoneUpdatePayload replaces a project's zone set.
type ZoneUpdatePayload struct {
	ProjectID string                  `json:"projectId"`
	Zones     []models.ProtectionZone `json:"zones"`
}

// ConfigUpdatePayload adjusts execution limits. Nil fields are left unchanged.
type ConfigUpdatePayload struct {
	ProjectID             string            `json:"projectId"`
	AutoStopRiskThreshold *models.RiskLevel `json:"autoStopRiskThreshold,omitempty"`
	RateLimit             *models.RateLimit `json:"rateLimit,omitempty"`
}

// RiskSignalPayload carries a risk level produced by an external scorer.
type RiskSignalPayload struct {
	ProjectID string           `json:"projectId"`
	Level     models.RiskLevel `json:"level"`
	Reason    string           `json:"reason,omitempty"`
}
