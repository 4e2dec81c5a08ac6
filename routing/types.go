package routing

import (
	"fmt"
	"sort"
	"strings"

	"fleet-registry/errs"
)

var (
	ErrAlreadyInFlight      = fmt.Errorf("%w: request already in flight", errs.ErrConflict)
	ErrDuplicateReservation = fmt.Errorf("%w: duplicate reservation", errs.ErrConflict)
	ErrContention           = fmt.Errorf("%w: max attempts count exceeded", errs.ErrConflict)
)

// Request is a single player's demand for a slot, as sent by the originating proxy.
type Request struct {
	RequestID     string `json:"requestId"`
	PlayerID      string `json:"playerId"`
	PlayerName    string `json:"playerName,omitempty"`
	FamilyID      string `json:"familyId"`
	VariantID     string `json:"variantId,omitempty"`
	OriginProxyID string `json:"originProxyId,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("%w: requestId is required", errs.ErrInvalidArgument)
	}
	if strings.TrimSpace(r.PlayerID) == "" {
		return fmt.Errorf("%w: playerId is required", errs.ErrInvalidArgument)
	}
	return nil
}

// QueueEntry is a request waiting for, or being tried against, a slot.
type QueueEntry struct {
	Request             Request  `json:"request"`
	EnqueuedAtMillis    int64    `json:"enqueuedAtMillis"`
	LastAttemptAtMillis int64    `json:"lastAttemptAtMillis,omitempty"`
	AttemptedServerIDs  []string `json:"attemptedServerIds,omitempty"`
	LastFailureReason   string   `json:"lastFailureReason,omitempty"`
	Attempts            int      `json:"attempts"`
	// Sequence is the queue position assigned on first enqueue. A requeued entry keeps it and
	// so keeps its place ahead of later arrivals.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Attempted reports whether serverID was already tried for this entry.
func (e QueueEntry) Attempted(serverID string) bool {
	for _, id := range e.AttemptedServerIDs {
		if id == serverID {
			return true
		}
	}
	return false
}

// InFlightRoute is a routing decision awaiting confirmation from the destination.
type InFlightRoute struct {
	Context          QueueEntry `json:"context"`
	AssignedSlotID   string     `json:"assignedSlotId"`
	AssignedAtMillis int64      `json:"assignedAtMillis"`
	// Reserved is the number of slot reservation units this route holds.
	Reserved int `json:"reserved,omitempty"`
}

// ReservationSnapshot is the party reservation as issued by the party front-end.
type ReservationSnapshot struct {
	ReservationID  string            `json:"reservationId"`
	PartyID        string            `json:"partyId"`
	FamilyID       string            `json:"familyId"`
	VariantID      string            `json:"variantId,omitempty"`
	TargetServerID string            `json:"targetServerId,omitempty"`
	OriginProxyID  string            `json:"originProxyId,omitempty"`
	Tokens         map[string]string `json:"tokens"`
}

// PartyAllocation is an atomic multi-player placement with per-member join tracking.
type PartyAllocation struct {
	Reservation       ReservationSnapshot `json:"reservation"`
	SlotID            string              `json:"slotId"`
	TeamLabel         string              `json:"teamLabel,omitempty"`
	ExpectedCount     int                 `json:"expectedCount"`
	AllocatedAtMillis int64               `json:"allocatedAtMillis"`
	Finalized         bool                `json:"finalized"`
	JoinedPlayers     []string            `json:"joinedPlayers,omitempty"`
	PendingPlayers    []string            `json:"pendingPlayers,omitempty"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	Reserved          int                 `json:"reserved,omitempty"`
}

// normalize fills defaults and checks the member invariants: joined and pending are disjoint
// subsets of the token holders, and the allocation is finalized exactly when nobody is pending.
func (a *PartyAllocation) normalize() error {
	if strings.TrimSpace(a.Reservation.ReservationID) == "" {
		return fmt.Errorf("%w: reservationId is required", errs.ErrInvalidArgument)
	}
	if strings.TrimSpace(a.SlotID) == "" {
		return fmt.Errorf("%w: slotId is required", errs.ErrInvalidArgument)
	}
	if len(a.Reservation.Tokens) == 0 {
		return fmt.Errorf("%w: reservation %s has no tokens", errs.ErrInvalidArgument, a.Reservation.ReservationID)
	}
	if a.JoinedPlayers == nil && a.PendingPlayers == nil {
		a.PendingPlayers = sortedKeys(a.Reservation.Tokens)
	}
	seen := make(map[string]bool, len(a.JoinedPlayers)+len(a.PendingPlayers))
	for _, p := range append(append([]string{}, a.JoinedPlayers...), a.PendingPlayers...) {
		if _, ok := a.Reservation.Tokens[p]; !ok {
			return fmt.Errorf("%w: player %s holds no token in reservation %s", errs.ErrInvalidArgument, p, a.Reservation.ReservationID)
		}
		if seen[p] {
			return fmt.Errorf("%w: player %s listed twice in reservation %s", errs.ErrInvalidArgument, p, a.Reservation.ReservationID)
		}
		seen[p] = true
	}
	if a.ExpectedCount <= 0 {
		a.ExpectedCount = len(a.Reservation.Tokens)
	}
	a.Finalized = len(a.PendingPlayers) == 0
	return nil
}

// IsPending reports whether playerID still has to join.
func (a PartyAllocation) IsPending(playerID string) bool {
	for _, p := range a.PendingPlayers {
		if p == playerID {
			return true
		}
	}
	return false
}

func (a PartyAllocation) HasJoined(playerID string) bool {
	for _, p := range a.JoinedPlayers {
		if p == playerID {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
