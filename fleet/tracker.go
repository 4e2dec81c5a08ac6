package fleet

import (
	"context"
	"fmt"
	"strconv"

	"fleet-registry/errs"
	"fleet-registry/identifier"
	"fleet-registry/store"
)

const maxTxRetryAttempts = 16

// Beat is the last heartbeat seen for an entity together with the store revision that holds it.
type Beat struct {
	Millis   int64
	Revision int64
}

// Tracker records last-seen heartbeat timestamps. Writes are monotonic: an older timestamp
// never replaces a newer one, whatever order concurrent heartbeats commit in.
type Tracker struct {
	store store.Store
}

func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s}
}

// Beat stores ts for id unless a newer timestamp is already recorded. It reports whether ts
// is now the recorded value.
func (t *Tracker) Beat(ctx context.Context, id identifier.ID, ts int64) (bool, error) {
	if ts <= 0 {
		return false, fmt.Errorf("%w: heartbeat timestamp %d", errs.ErrInvalidArgument, ts)
	}
	key := heartbeatKey(id)
	value := []byte(strconv.FormatInt(ts, 10))
	for range maxTxRetryAttempts {
		kv, err := t.store.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("failed to read heartbeat of %s: %w", id, err)
		}
		cmp := store.Absent(key)
		if kv != nil {
			stored, err := parseMillis(kv.Value)
			if err != nil {
				return false, fmt.Errorf("corrupt heartbeat of %s: %w", id, err)
			}
			if ts < stored {
				return false, nil
			}
			if ts == stored {
				return true, nil
			}
			cmp = store.Unchanged(kv)
		}
		ok, err := t.store.Txn(ctx, []store.Cmp{cmp}, []store.Op{store.Put(key, value)})
		if err != nil {
			return false, fmt.Errorf("failed to write heartbeat of %s: %w", id, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: heartbeat of %s: max attempts count exceeded", errs.ErrConflict, id)
}

// Last returns the recorded heartbeat of id, or nil if none was ever recorded.
func (t *Tracker) Last(ctx context.Context, id identifier.ID) (*Beat, error) {
	kv, err := t.store.Get(ctx, heartbeatKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat of %s: %w", id, err)
	}
	if kv == nil {
		return nil, nil
	}
	return toBeat(kv)
}

// All returns every recorded heartbeat keyed by canonical identifier string.
func (t *Tracker) All(ctx context.Context) (map[string]*Beat, error) {
	kvs, err := t.store.List(ctx, heartbeatPrefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	out := make(map[string]*Beat, len(kvs))
	for _, kv := range kvs {
		b, err := toBeat(kv)
		if err != nil {
			continue
		}
		out[store.Segment(kv.Key)] = b
	}
	return out, nil
}

func toBeat(kv *store.KeyValue) (*Beat, error) {
	ms, err := parseMillis(kv.Value)
	if err != nil {
		return nil, err
	}
	return &Beat{Millis: ms, Revision: kv.ModRevision}, nil
}

func parseMillis(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

// beatCmp guards a transition against a heartbeat committed after b was read.
func beatCmp(id identifier.ID, b *Beat) store.Cmp {
	if b == nil {
		return store.Absent(heartbeatKey(id))
	}
	return store.Cmp{Key: heartbeatKey(id), ModRevision: b.Revision}
}
