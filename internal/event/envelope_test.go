package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sentinel/internal/models"
)

func TestNew_Fields(t *testing.T) {
	before := time.Now().UTC()
	env, err := New(TypeAck, "client-1", AckPayload{Sequence: 7})
	after := time.Now().UTC()

	require.NoError(t, err)
	assert.Equal(t, TypeAck, env.Type)
	assert.Equal(t, "client-1", env.ClientID)
	assert.Nil(t, env.SequenceNumber)
	assert.Equal(t, int64(0), env.Seq())
	assert.True(t, !env.Timestamp.Before(before) && !env.Timestamp.After(after))

	var ack AckPayload
	require.NoError(t, env.Decode(&ack))
	assert.Equal(t, int64(7), ack.Sequence)
}

func TestEnvelope_WithSeqDoesNotAlias(t *testing.T) {
	base := MustNew(TypeEventBroadcast, "srv", nil)
	a := base.WithSeq(1)
	b := a.WithSeq(2)

	assert.Equal(t, int64(1), a.Seq())
	assert.Equal(t, int64(2), b.Seq())
	assert.Nil(t, base.SequenceNumber)
}

func TestEnvelope_WireShape(t *testing.T) {
	last := int64(5)
	env := MustNew(TypeRegister, "dash-1", RegisterPayload{
		ClientType:         models.ClientDashboard,
		ClientID:           "dash-1",
		ProjectID:          "proj",
		LastSequenceNumber: &last,
	}).WithCorrelation().WithSeq(9)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "REGISTER", wire["type"])
	assert.Equal(t, "dash-1", wire["clientId"])
	assert.EqualValues(t, 9, wire["sequenceNumber"])
	assert.NotEmpty(t, wire["correlationId"])
	assert.Contains(t, wire, "timestamp")

	payload := wire["payload"].(map[string]any)
	assert.Equal(t, "dashboard", payload["clientType"])
	assert.EqualValues(t, 5, payload["lastSequenceNumber"])
}

func TestDecode_EmptyPayload(t *testing.T) {
	env := MustNew(TypeHeartbeat, "c", nil)
	var v AckPayload
	assert.Error(t, env.Decode(&v))
}
