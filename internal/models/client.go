package models

import (
	"strings"
	"time"
)

// ClientType identifies the role of a transport peer.
type ClientType string

const (
	ClientInterceptor ClientType = "interceptor"
	ClientDashboard   ClientType = "dashboard"
	ClientSimulator   ClientType = "simulator"
)

// Valid reports whether t is a known client type.
func (t ClientType) Valid() bool {
	switch t {
	case ClientInterceptor, ClientDashboard, ClientSimulator:
		return true
	}
	return false
}

var clientTypes = []ClientType{ClientInterceptor, ClientDashboard, ClientSimulator}

func (t ClientType) bit() Audience {
	for i, ct := range clientTypes {
		if ct == t {
			return 1 << i
		}
	}
	return 0
}

// Audience is the set of client types an envelope is delivered to. One broadcast
// takes one sequence number however many types receive it.
type Audience uint8

// Consoles is the audience of classified events and state changes.
var Consoles = AudienceOf(ClientDashboard, ClientSimulator)

// AudienceOf builds an audience from client types. Unknown types are ignored.
func AudienceOf(types ...ClientType) Audience {
	var a Audience
	for _, t := range types {
		a |= t.bit()
	}
	return a
}

// With returns a plus t.
func (a Audience) With(types ...ClientType) Audience { return a | AudienceOf(types...) }

// Includes reports whether t is a member of a.
func (a Audience) Includes(t ClientType) bool {
	b := t.bit()
	return b != 0 && a&b != 0
}

// Types lists the members of a in declaration order.
func (a Audience) Types() []ClientType {
	var out []ClientType
	for _, t := range clientTypes {
		if a.Includes(t) {
			out = append(out, t)
		}
	}
	return out
}

func (a Audience) String() string {
	types := a.Types()
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// ActionEvent is the durable record of one broadcast envelope, keyed by
// (ProjectID, Sequence). Replay reads these back in sequence order, filtered by
// audience membership.
type ActionEvent struct {
	ProjectID string    `json:"projectId"`
	Sequence  int64     `json:"sequence"`
	Audience  Audience  `json:"audience"`
	Type      string    `json:"type"`
	Envelope  []byte    `json:"envelope"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReplayRecord audits one replay to a re-registering client.
type ReplayRecord struct {
	ClientID     string        `json:"clientId"`
	ClientType   ClientType    `json:"clientType"`
	ProjectID    string        `json:"projectId"`
	FromSequence int64         `json:"fromSequence"`
	ToSequence   int64         `json:"toSequence"`
	Count        int           `json:"count"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Project is a monitored project registration.
type Project struct {
	ID        string    `json:"id"`
	Root      string    `json:"root,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
