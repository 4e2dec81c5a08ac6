package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fleet-registry/errs"
	"fleet-registry/metrics"
	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

var errNoRoom = errors.New("slot has no room for the party")

// SavePartyAllocation persists alloc under its reservation id. Reservation ids are unique.
// When neither member list is given, every token holder starts out pending.
func (s *Store) SavePartyAllocation(ctx context.Context, alloc PartyAllocation) (PartyAllocation, error) {
	return s.saveParty(ctx, alloc, 0)
}

// AllocateParty saves alloc and reserves one unit on its slot per pending member, refusing
// when that would exceed free. It reports false when the slot lacks room.
func (s *Store) AllocateParty(ctx context.Context, alloc PartyAllocation, free int) (PartyAllocation, bool, error) {
	if err := alloc.normalize(); err != nil {
		return PartyAllocation{}, false, err
	}
	if len(alloc.PendingPlayers) > free {
		return PartyAllocation{}, false, nil
	}
	saved, err := s.saveParty(ctx, alloc, free)
	if errors.Is(err, errNoRoom) {
		return PartyAllocation{}, false, nil
	}
	if err != nil {
		return PartyAllocation{}, false, err
	}
	metrics.PartyAllocationsTotal.WithLabelValues("allocated").Inc()
	return saved, true, nil
}

func (s *Store) saveParty(ctx context.Context, alloc PartyAllocation, free int) (PartyAllocation, error) {
	if err := alloc.normalize(); err != nil {
		return PartyAllocation{}, err
	}
	if alloc.AllocatedAtMillis <= 0 {
		alloc.AllocatedAtMillis = s.now().UnixMilli()
	}
	key := partyKey(alloc.Reservation.ReservationID)
	for range maxTxRetryAttempts {
		t := &txn{}
		t.guard(key, nil)
		a := alloc
		if free > 0 && len(a.PendingPlayers) > 0 {
			ok, err := s.reserveInto(ctx, t, a.SlotID, len(a.PendingPlayers), free)
			if err != nil {
				return PartyAllocation{}, err
			}
			if !ok {
				return PartyAllocation{}, errNoRoom
			}
			a.Reserved = len(a.PendingPlayers)
		}
		if err := t.putJSON(key, a); err != nil {
			return PartyAllocation{}, err
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return PartyAllocation{}, err
		}
		if ok {
			return a, nil
		}
		existing, err := s.kv.Get(ctx, key)
		if err != nil {
			return PartyAllocation{}, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if existing != nil {
			return PartyAllocation{}, fmt.Errorf("%w: %s", ErrDuplicateReservation, alloc.Reservation.ReservationID)
		}
	}
	return PartyAllocation{}, ErrContention
}

// GetPartyAllocation returns the allocation of reservationID, or nil.
func (s *Store) GetPartyAllocation(ctx context.Context, reservationID string) (*PartyAllocation, error) {
	if blank(reservationID) {
		return nil, nil
	}
	var a PartyAllocation
	kv, err := s.getJSON(ctx, partyKey(reservationID), &a)
	if err != nil || kv == nil {
		return nil, err
	}
	return &a, nil
}

// RemovePartyAllocation deletes and returns the allocation of reservationID, releasing any
// reservation units it still holds. It returns nil when already removed.
func (s *Store) RemovePartyAllocation(ctx context.Context, reservationID string) (*PartyAllocation, error) {
	if blank(reservationID) {
		return nil, nil
	}
	key := partyKey(reservationID)
	for range maxTxRetryAttempts {
		var a PartyAllocation
		kv, err := s.getJSON(ctx, key, &a)
		if err != nil || kv == nil {
			return nil, err
		}
		t := &txn{}
		t.guard(key, kv)
		t.del(key)
		if a.Reserved > 0 {
			if _, err := s.reserveInto(ctx, t, a.SlotID, -a.Reserved, 0); err != nil {
				return nil, err
			}
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return &a, nil
		}
	}
	return nil, ErrContention
}

// JoinParty moves playerID from pending to joined, makes the party slot the player's active
// slot and turns the unit reserved for them into an arrival, in one transaction. Joining twice is a no-op.
// It returns the updated allocation and the player's previous active slot.
func (s *Store) JoinParty(ctx context.Context, reservationID, playerID string) (PartyAllocation, string, error) {
	if blank(reservationID) || blank(playerID) {
		return PartyAllocation{}, "", fmt.Errorf("%w: reservationId and playerId are required", errs.ErrInvalidArgument)
	}
	key := partyKey(reservationID)
	for range maxTxRetryAttempts {
		var a PartyAllocation
		kv, err := s.getJSON(ctx, key, &a)
		if err != nil {
			return PartyAllocation{}, "", err
		}
		if kv == nil {
			return PartyAllocation{}, "", fmt.Errorf("%w: reservation %s", errs.ErrNotFound, reservationID)
		}
		if a.HasJoined(playerID) {
			return a, "", nil
		}
		if !a.IsPending(playerID) {
			return PartyAllocation{}, "", fmt.Errorf("%w: player %s is not part of reservation %s", errs.ErrInvalidArgument, playerID, reservationID)
		}
		a.PendingPlayers = without(a.PendingPlayers, playerID)
		a.JoinedPlayers = append(a.JoinedPlayers, playerID)
		a.Finalized = len(a.PendingPlayers) == 0

		t := &txn{}
		t.guard(key, kv)
		if a.Reserved > 0 {
			if _, err := s.reserveInto(ctx, t, a.SlotID, -1, 0); err != nil {
				return PartyAllocation{}, "", err
			}
			a.Reserved--
		}
		prev, err := s.activateInto(ctx, t, playerID, a.SlotID)
		if err != nil {
			return PartyAllocation{}, "", err
		}
		s.arriveInto(t, a.SlotID, playerID)
		if err := t.putJSON(key, a); err != nil {
			return PartyAllocation{}, "", err
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return PartyAllocation{}, "", err
		}
		if ok {
			if a.Finalized {
				metrics.PartyAllocationsTotal.WithLabelValues("finalized").Inc()
				log.Info().Str("reservationId", reservationID).Str("slotId", a.SlotID).Msg("routing: party allocation finalized")
			}
			return a, prev, nil
		}
	}
	return PartyAllocation{}, "", ErrContention
}

// ListPartyAllocations returns every stored party allocation.
func (s *Store) ListPartyAllocations(ctx context.Context) ([]PartyAllocation, error) {
	_, out, err := s.listParties(ctx)
	return out, err
}

func (s *Store) listParties(ctx context.Context) ([]*store.KeyValue, []PartyAllocation, error) {
	kvs, err := s.kv.List(ctx, partyPrefix(), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list party allocations: %w", err)
	}
	keep := make([]*store.KeyValue, 0, len(kvs))
	out := make([]PartyAllocation, 0, len(kvs))
	for _, kv := range kvs {
		var a PartyAllocation
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			log.Error().Err(err).Str("key", kv.Key).Msg("routing: skipping undecodable party allocation")
			continue
		}
		keep = append(keep, kv)
		out = append(out, a)
	}
	return keep, out, nil
}
