package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"fleet-registry/errs"
	"fleet-registry/metrics"
	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

// Candidate is a slot the allocator is willing to assign and the free units it offers.
type Candidate struct {
	SlotID string
	Free   int
}

// StoreInFlightRoute records route under requestID. A request can be in flight only once.
func (s *Store) StoreInFlightRoute(ctx context.Context, requestID string, route InFlightRoute) error {
	if blank(requestID) {
		return fmt.Errorf("%w: requestId is required", errs.ErrInvalidArgument)
	}
	if route.Context.Request.RequestID == "" {
		route.Context.Request.RequestID = requestID
	}
	if route.Context.Request.RequestID != requestID {
		return fmt.Errorf("%w: route carries request %s, stored as %s", errs.ErrInvalidArgument, route.Context.Request.RequestID, requestID)
	}
	if err := route.Context.Request.Validate(); err != nil {
		return err
	}
	t := &txn{}
	key := inFlightKey(requestID)
	t.guard(key, nil)
	if err := t.putJSON(key, route); err != nil {
		return err
	}
	ok, err := s.commit(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, requestID)
	}
	return nil
}

// GetInFlightRoute returns the route of requestID, or nil if none is in flight.
func (s *Store) GetInFlightRoute(ctx context.Context, requestID string) (*InFlightRoute, error) {
	if blank(requestID) {
		return nil, nil
	}
	var r InFlightRoute
	kv, err := s.getJSON(ctx, inFlightKey(requestID), &r)
	if err != nil || kv == nil {
		return nil, err
	}
	return &r, nil
}

// RemoveInFlightRoute deletes and returns the route of requestID. It returns nil when the
// route was already removed, e.g. by a concurrent sweep.
func (s *Store) RemoveInFlightRoute(ctx context.Context, requestID string) (*InFlightRoute, error) {
	return s.finishRoute(ctx, requestID, false, nil)
}

// CancelRoute removes the route of requestID and releases its slot reservation in the same
// transaction.
func (s *Store) CancelRoute(ctx context.Context, requestID string) (*InFlightRoute, error) {
	r, err := s.finishRoute(ctx, requestID, true, nil)
	if r != nil {
		metrics.RoutesTotal.WithLabelValues("cancelled").Inc()
	}
	return r, err
}

// ConfirmRoute completes the route of requestID once the player reached the assigned slot:
// the route is removed, its reservation turned into an arrival and the slot made the player's
// active slot, all at once. It returns the route and the player's previous active slot.
func (s *Store) ConfirmRoute(ctx context.Context, requestID string) (*InFlightRoute, string, error) {
	var prev string
	r, err := s.finishRoute(ctx, requestID, true, func(t *txn, r *InFlightRoute) error {
		var err error
		prev, err = s.activateInto(ctx, t, r.Context.Request.PlayerID, r.AssignedSlotID)
		if err != nil {
			return err
		}
		s.arriveInto(t, r.AssignedSlotID, r.Context.Request.PlayerID)
		return nil
	})
	if r != nil {
		metrics.RoutesTotal.WithLabelValues("confirmed").Inc()
	}
	return r, prev, err
}

func (s *Store) finishRoute(ctx context.Context, requestID string, release bool, extra func(*txn, *InFlightRoute) error) (*InFlightRoute, error) {
	if blank(requestID) {
		return nil, nil
	}
	key := inFlightKey(requestID)
	for range maxTxRetryAttempts {
		var r InFlightRoute
		kv, err := s.getJSON(ctx, key, &r)
		if err != nil || kv == nil {
			return nil, err
		}
		t := &txn{}
		t.guard(key, kv)
		t.del(key)
		if release && r.Reserved > 0 {
			if _, err := s.reserveInto(ctx, t, r.AssignedSlotID, -r.Reserved, 0); err != nil {
				return nil, err
			}
		}
		if extra != nil {
			if err := extra(t, &r); err != nil {
				return nil, err
			}
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			return &r, nil
		}
	}
	return nil, ErrContention
}

// ListInFlightRoutes returns every route awaiting confirmation.
func (s *Store) ListInFlightRoutes(ctx context.Context) ([]InFlightRoute, error) {
	_, routes, err := s.listInFlight(ctx)
	return routes, err
}

func (s *Store) listInFlight(ctx context.Context) ([]*store.KeyValue, []InFlightRoute, error) {
	kvs, err := s.kv.List(ctx, inFlightPrefix(), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list in-flight routes: %w", err)
	}
	keep := make([]*store.KeyValue, 0, len(kvs))
	routes := make([]InFlightRoute, 0, len(kvs))
	for _, kv := range kvs {
		var r InFlightRoute
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			log.Error().Err(err).Str("key", kv.Key).Msg("routing: skipping undecodable in-flight route")
			continue
		}
		keep = append(keep, kv)
		routes = append(routes, r)
	}
	return keep, routes, nil
}

// AssignHead moves the head of family's queue in flight. choose picks a slot for the entry;
// returning ok=false leaves the entry queued. Claiming the entry, reserving one unit on the
// slot and recording the route happen in one transaction, so a crash never loses the entry and
// two allocators never claim the same one.
//
// It returns the new route, or a nil route with the head entry when no slot was chosen, or nil
// for both when the queue is empty.
func (s *Store) AssignHead(ctx context.Context, family string, choose func(context.Context, QueueEntry) (Candidate, bool, error)) (*InFlightRoute, *QueueEntry, error) {
	for range maxTxRetryAttempts {
		itemKV, entry, err := s.head(ctx, family)
		if err != nil || itemKV == nil {
			return nil, nil, err
		}
		routeKey := inFlightKey(entry.Request.RequestID)
		existing, err := s.kv.Get(ctx, routeKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", routeKey, err)
		}
		if existing != nil {
			// duplicate of a request already in flight; drop the queued copy
			if _, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(itemKV)}, []store.Op{store.Delete(itemKV.Key)}); err != nil {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyInFlight, entry.Request.RequestID)
		}

		cand, ok, err := choose(ctx, *entry)
		if err != nil {
			return nil, entry, err
		}
		if !ok {
			return nil, entry, nil
		}

		now := s.now().UnixMilli()
		entry.LastAttemptAtMillis = now
		route := InFlightRoute{Context: *entry, AssignedSlotID: cand.SlotID, AssignedAtMillis: now, Reserved: 1}

		t := &txn{}
		t.guard(itemKV.Key, itemKV)
		t.del(itemKV.Key)
		t.guard(routeKey, nil)
		if err := t.putJSON(routeKey, route); err != nil {
			return nil, entry, err
		}
		reserved, err := s.reserveInto(ctx, t, cand.SlotID, 1, cand.Free)
		if err != nil {
			return nil, entry, err
		}
		if !reserved {
			// the slot filled up since choose looked; ask again
			continue
		}
		committed, err := s.commit(ctx, t)
		if err != nil {
			return nil, entry, err
		}
		if committed {
			metrics.QueueOperationsTotal.WithLabelValues("poll").Inc()
			metrics.RoutesTotal.WithLabelValues("assigned").Inc()
			return &route, entry, nil
		}
	}
	return nil, nil, ErrContention
}
