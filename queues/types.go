package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"fleet-registry/errs"
)

const EnvelopeVersion = "1.0"

type MessageType string

const (
	// inbound
	TypeHeartbeat    MessageType = "heartbeat"
	TypeRouteRequest MessageType = "route-request"
	TypePartyRequest MessageType = "party-request"
	TypeRouteConfirm MessageType = "route-confirm"
	TypeRouteCancel  MessageType = "route-cancel"
	TypePartyJoin    MessageType = "party-join"

	// outbound
	TypeRoutingDecision MessageType = "routing-decision"
	TypeRoutingFailure  MessageType = "routing-failure"
	TypeProvisionSlot   MessageType = "provision-slot"
)

var knownTypes = map[MessageType]bool{
	TypeHeartbeat: true, TypeRouteRequest: true, TypePartyRequest: true, TypeRouteConfirm: true,
	TypeRouteCancel: true, TypePartyJoin: true, TypeRoutingDecision: true, TypeRoutingFailure: true,
	TypeProvisionSlot: true,
}

// Envelope wraps every message on the transport. Payload is decoded according to Type.
type Envelope struct {
	EnvelopeVersion string          `json:"envelopeVersion"`
	Type            MessageType     `json:"type"`
	Payload         json.RawMessage `json:"payload"`
}

func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Envelope{EnvelopeVersion: EnvelopeVersion, Type: t, Payload: b}, nil
}

func (e *Envelope) Validate() error {
	if !knownTypes[e.Type] {
		return fmt.Errorf("%w: unknown message type %q", errs.ErrInvalidArgument, e.Type)
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s envelope has no payload", errs.ErrInvalidArgument, e.Type)
	}
	return nil
}

// Decode unmarshals the payload into v. Malformed payloads are invalid arguments.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errs.ErrInvalidArgument, e.Type, err)
	}
	return nil
}

// Heartbeat is sent periodically by every server and proxy. The first heartbeat of an
// unknown entity registers it.
type Heartbeat struct {
	EntityID        string  `json:"entityId"`
	Role            string  `json:"role"`
	Family          string  `json:"family,omitempty"`
	Address         string  `json:"address"`
	Port            int     `json:"port"`
	Capacity        int     `json:"capacity"`
	PlayerCount     int     `json:"playerCount"`
	TPS             float64 `json:"tps,omitempty"`
	TimestampMillis int64   `json:"timestampMillis"`
}

type RouteRequest struct {
	RequestID     string `json:"requestId"`
	PlayerID      string `json:"playerId"`
	PlayerName    string `json:"playerName,omitempty"`
	FamilyID      string `json:"familyId"`
	VariantID     string `json:"variantId,omitempty"`
	OriginProxyID string `json:"originProxyId,omitempty"`
}

// PartyRequest asks for one slot holding every member of a party. MemberTokens maps player
// ids to the join token each member presents on arrival.
type PartyRequest struct {
	ReservationID  string            `json:"reservationId"`
	PartyID        string            `json:"partyId"`
	FamilyID       string            `json:"familyId"`
	VariantID      string            `json:"variantId,omitempty"`
	TargetServerID string            `json:"targetServerId,omitempty"`
	TeamLabel      string            `json:"teamLabel,omitempty"`
	OriginProxyID  string            `json:"originProxyId,omitempty"`
	MemberTokens   map[string]string `json:"memberTokens"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RouteConfirm is sent by the destination once the player arrived on the assigned slot.
type RouteConfirm struct {
	RequestID string `json:"requestId"`
}

type RouteCancel struct {
	RequestID string `json:"requestId"`
	FamilyID  string `json:"familyId,omitempty"`
}

type PartyJoin struct {
	ReservationID string `json:"reservationId"`
	PlayerID      string `json:"playerId"`
	Token         string `json:"token,omitempty"`
}

// RoutingDecision tells the originating proxy where to send a player or party.
type RoutingDecision struct {
	RequestID             string `json:"requestId,omitempty"`
	ReservationID         string `json:"reservationId,omitempty"`
	PlayerID              string `json:"playerId,omitempty"`
	OriginProxyID         string `json:"originProxyId,omitempty"`
	AssignedSlotID        string `json:"assignedSlotId"`
	AssignedServerAddress string `json:"assignedServerAddress"`
	AssignedPort          int    `json:"assignedPort"`
}

type RoutingFailure struct {
	RequestID     string `json:"requestId,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	OriginProxyID string `json:"originProxyId,omitempty"`
	Reason        string `json:"reason"`
	Attempts      int    `json:"attempts,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Envelope) error) error
}

type Publisher interface {
	Publish(ctx context.Context, env *Envelope, attrs map[string]string) error
}
