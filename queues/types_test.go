package queues

import (
	"encoding/json"
	"testing"

	"fleet-registry/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"heartbeat", Envelope{EnvelopeVersion: EnvelopeVersion, Type: TypeHeartbeat, Payload: json.RawMessage(`{}`)}, false},
		{"unknown type", Envelope{Type: "allocation-request", Payload: json.RawMessage(`{}`)}, true},
		{"missing payload", Envelope{Type: TypeRouteRequest}, true},
		{"null payload", Envelope{Type: TypeRouteRequest, Payload: json.RawMessage(`null`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}
}

func TestEnvelope_WireFormat(t *testing.T) {
	env, err := NewEnvelope(TypeRoutingDecision, RoutingDecision{
		RequestID:             "r1",
		AssignedSlotID:        "s1",
		AssignedServerAddress: "10.0.0.1",
		AssignedPort:          25565,
	})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"envelopeVersion": "1.0",
		"type": "routing-decision",
		"payload": {"requestId": "r1", "assignedSlotId": "s1", "assignedServerAddress": "10.0.0.1", "assignedPort": 25565}
	}`, string(b))

	var in Envelope
	require.NoError(t, json.Unmarshal(b, &in))
	var got RoutingDecision
	require.NoError(t, in.Decode(&got))
	assert.Equal(t, "s1", got.AssignedSlotID)
}

func TestEnvelope_DecodeMalformed(t *testing.T) {
	env := Envelope{Type: TypePartyRequest, Payload: json.RawMessage(`{"memberTokens": 3}`)}
	var req PartyRequest
	err := env.Decode(&req)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
