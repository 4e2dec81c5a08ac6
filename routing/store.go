// Package routing holds the demand queues and assignment bookkeeping shared by every
// registry process: per-family FIFO queues, in-flight routes, party allocations, the
// single-active-slot map and slot reservation counters.
//
// Each state change is one store transaction guarded by the revisions it read. A caller that
// loses a race re-reads and retries, or observes that the work was already done.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleet-registry/store"
)

const maxTxRetryAttempts = 16

type Store struct {
	kv  store.Store
	now func() time.Time
}

func NewStore(kv store.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// blank ids address nothing: every lookup keyed by one reports absence.
func blank(id string) bool {
	return strings.TrimSpace(id) == ""
}

// txn accumulates guards and operations for a single commit.
type txn struct {
	cmps []store.Cmp
	ops  []store.Op
}

// guard asserts key is still as read: unchanged if kv is set, absent otherwise.
func (t *txn) guard(key string, kv *store.KeyValue) {
	if kv == nil {
		t.cmps = append(t.cmps, store.Absent(key))
		return
	}
	t.cmps = append(t.cmps, store.Unchanged(kv))
}

func (t *txn) put(key string, value []byte) {
	t.ops = append(t.ops, store.Put(key, value))
}

func (t *txn) putJSON(key string, v any) error {
	op, err := store.PutJSON(key, v)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *txn) del(key string) {
	t.ops = append(t.ops, store.Delete(key))
}

func (s *Store) commit(ctx context.Context, t *txn) (bool, error) {
	ok, err := s.kv.Txn(ctx, t.cmps, t.ops)
	if err != nil {
		return false, fmt.Errorf("failed to commit routing txn: %w", err)
	}
	return ok, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (*store.KeyValue, error) {
	kv, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if kv == nil {
		return nil, nil
	}
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return kv, nil
}

func atoi(kv *store.KeyValue) (int, error) {
	if kv == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(string(kv.Value))
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", kv.Key, err)
	}
	return n, nil
}
