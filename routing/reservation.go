package routing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fleet-registry/errs"
	"fleet-registry/store"
)

// Reservations count players promised to a slot whose arrival is not confirmed yet. They keep
// concurrent allocators from handing out the same free capacity twice.

// reserveInto adds delta reservation units on slotID to t. A positive delta that would push
// the count above limit is refused; the count never drops below zero.
func (s *Store) reserveInto(ctx context.Context, t *txn, slotID string, delta, limit int) (bool, error) {
	key := reservationKey(slotID)
	kv, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read reservations of %s: %w", slotID, err)
	}
	cur, err := atoi(kv)
	if err != nil {
		return false, err
	}
	next := cur + delta
	if delta > 0 && next > limit {
		return false, nil
	}
	if next < 0 {
		next = 0
	}
	t.guard(key, kv)
	switch {
	case next == 0 && kv != nil:
		t.del(key)
	case next > 0:
		t.put(key, []byte(strconv.Itoa(next)))
	}
	return true, nil
}

// ReserveSlot takes n units on slotID if no more than free units would then be reserved.
func (s *Store) ReserveSlot(ctx context.Context, slotID string, n, free int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("%w: reserve %d units", errs.ErrInvalidArgument, n)
	}
	for range maxTxRetryAttempts {
		t := &txn{}
		ok, err := s.reserveInto(ctx, t, slotID, n, free)
		if err != nil || !ok {
			return false, err
		}
		ok, err = s.commit(ctx, t)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, ErrContention
}

// ReleaseSlot gives back n units on slotID.
func (s *Store) ReleaseSlot(ctx context.Context, slotID string, n int) error {
	if n <= 0 {
		return nil
	}
	for range maxTxRetryAttempts {
		t := &txn{}
		if _, err := s.reserveInto(ctx, t, slotID, -n, 0); err != nil {
			return err
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrContention
}

// Reserved returns the units currently reserved on slotID.
func (s *Store) Reserved(ctx context.Context, slotID string) (int, error) {
	kv, err := s.kv.Get(ctx, reservationKey(slotID))
	if err != nil {
		return 0, fmt.Errorf("failed to read reservations of %s: %w", slotID, err)
	}
	return atoi(kv)
}

// AllReserved returns reservation counts keyed by slot id.
func (s *Store) AllReserved(ctx context.Context) (map[string]int, error) {
	kvs, err := s.kv.List(ctx, reservationPrefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	out := make(map[string]int, len(kvs))
	for _, kv := range kvs {
		n, err := atoi(kv)
		if err != nil {
			continue
		}
		out[store.Segment(kv.Key)] = n
	}
	return out, nil
}

// Arrivals are confirmed players the slot's own load report does not include yet. They keep
// holding capacity after their reservation is released, until a heartbeat sampled after the
// arrival settles them.

func (s *Store) arriveInto(t *txn, slotID, playerID string) {
	t.put(arrivalKey(slotID, playerID), []byte(strconv.FormatInt(s.now().UnixMilli(), 10)))
}

// Arrivals returns unsettled arrival counts keyed by slot id.
func (s *Store) Arrivals(ctx context.Context) (map[string]int, error) {
	kvs, err := s.kv.List(ctx, arrivalsPrefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list arrivals: %w", err)
	}
	out := make(map[string]int)
	for _, kv := range kvs {
		slot, _, _ := strings.Cut(strings.TrimPrefix(kv.Key, arrivalsPrefix()), "/")
		out[store.Segment(slot)]++
	}
	return out, nil
}

// SettleArrivals drops the arrivals on slotID confirmed no later than reportedAtMillis, the
// time a load report that counts them was sampled. It returns how many were settled.
func (s *Store) SettleArrivals(ctx context.Context, slotID string, reportedAtMillis int64) (int, error) {
	if blank(slotID) {
		return 0, nil
	}
	kvs, err := s.kv.List(ctx, arrivalPrefix(slotID), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list arrivals of %s: %w", slotID, err)
	}
	settled := 0
	for _, kv := range kvs {
		at, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err == nil && at > reportedAtMillis {
			continue
		}
		ok, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(kv)}, []store.Op{store.Delete(kv.Key)})
		if err != nil {
			return settled, fmt.Errorf("failed to settle %s: %w", kv.Key, err)
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}
