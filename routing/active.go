package routing

import (
	"context"
	"fmt"
	"sort"

	"fleet-registry/errs"
	"fleet-registry/store"
)

// activateInto points playerID at slotID within t and returns the slot it replaces.
func (s *Store) activateInto(ctx context.Context, t *txn, playerID, slotID string) (string, error) {
	key := activePlayerKey(playerID)
	kv, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read active slot of %s: %w", playerID, err)
	}
	prev := ""
	if kv != nil {
		prev = string(kv.Value)
	}
	t.guard(key, kv)
	t.put(key, []byte(slotID))
	t.put(activeSlotKey(slotID, playerID), []byte(playerID))
	if prev != "" && prev != slotID {
		t.del(activeSlotKey(prev, playerID))
	}
	return prev, nil
}

// SetActiveSlot makes slotID the single active slot of playerID and returns the previous one,
// or "" if there was none. Releasing the vacated slot is the caller's job.
func (s *Store) SetActiveSlot(ctx context.Context, playerID, slotID string) (string, error) {
	if blank(playerID) || blank(slotID) {
		return "", fmt.Errorf("%w: playerId and slotId are required", errs.ErrInvalidArgument)
	}
	for range maxTxRetryAttempts {
		t := &txn{}
		prev, err := s.activateInto(ctx, t, playerID, slotID)
		if err != nil {
			return "", err
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return "", err
		}
		if ok {
			return prev, nil
		}
	}
	return "", ErrContention
}

// GetActiveSlot returns the active slot of playerID and whether one is set.
func (s *Store) GetActiveSlot(ctx context.Context, playerID string) (string, bool, error) {
	if blank(playerID) {
		return "", false, nil
	}
	kv, err := s.kv.Get(ctx, activePlayerKey(playerID))
	if err != nil {
		return "", false, fmt.Errorf("failed to read active slot of %s: %w", playerID, err)
	}
	if kv == nil {
		return "", false, nil
	}
	return string(kv.Value), true, nil
}

// ClearActiveSlot detaches playerID from its slot and returns that slot.
func (s *Store) ClearActiveSlot(ctx context.Context, playerID string) (string, error) {
	if blank(playerID) {
		return "", nil
	}
	for range maxTxRetryAttempts {
		kv, err := s.kv.Get(ctx, activePlayerKey(playerID))
		if err != nil {
			return "", fmt.Errorf("failed to read active slot of %s: %w", playerID, err)
		}
		if kv == nil {
			return "", nil
		}
		slotID := string(kv.Value)
		ok, err := s.kv.Txn(ctx,
			[]store.Cmp{store.Unchanged(kv)},
			[]store.Op{store.Delete(kv.Key), store.Delete(activeSlotKey(slotID, playerID))},
		)
		if err != nil {
			return "", fmt.Errorf("failed to clear active slot of %s: %w", playerID, err)
		}
		if ok {
			return slotID, nil
		}
	}
	return "", ErrContention
}

// RemoveActivePlayersForSlot detaches every player whose active slot is slotID and returns
// them sorted. Players concurrently moved to another slot are left alone.
func (s *Store) RemoveActivePlayersForSlot(ctx context.Context, slotID string) ([]string, error) {
	if blank(slotID) {
		return nil, nil
	}
	refs, err := s.kv.List(ctx, activeSlotPrefix(slotID), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list players of slot %s: %w", slotID, err)
	}
	evicted := make([]string, 0, len(refs))
	for _, ref := range refs {
		playerID := store.Segment(ref.Key)
		detached, err := s.detach(ctx, ref, playerID, slotID)
		if err != nil {
			return evicted, err
		}
		if detached {
			evicted = append(evicted, playerID)
		}
	}
	sort.Strings(evicted)
	return evicted, nil
}

func (s *Store) detach(ctx context.Context, ref *store.KeyValue, playerID, slotID string) (bool, error) {
	for range maxTxRetryAttempts {
		kv, err := s.kv.Get(ctx, activePlayerKey(playerID))
		if err != nil {
			return false, fmt.Errorf("failed to read active slot of %s: %w", playerID, err)
		}
		if kv == nil || string(kv.Value) != slotID {
			// dangling reverse entry
			_, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(ref)}, []store.Op{store.Delete(ref.Key)})
			return false, err
		}
		ok, err := s.kv.Txn(ctx,
			[]store.Cmp{store.Unchanged(kv)},
			[]store.Op{store.Delete(kv.Key), store.Delete(ref.Key)},
		)
		if err != nil {
			return false, fmt.Errorf("failed to detach %s from %s: %w", playerID, slotID, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, ErrContention
}
