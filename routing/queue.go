package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"fleet-registry/errs"
	"fleet-registry/metrics"
	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

// enqueueInto appends entry to its family queue within t. An entry that already carries a
// sequence is put back at that position.
func (s *Store) enqueueInto(ctx context.Context, t *txn, entry *QueueEntry) error {
	family := entry.Request.FamilyID
	if entry.Sequence == 0 {
		seqKey := queueSeqKey(family)
		kv, err := s.kv.Get(ctx, seqKey)
		if err != nil {
			return fmt.Errorf("failed to read sequence of %s: %w", family, err)
		}
		var last uint64
		if kv != nil {
			if last, err = strconv.ParseUint(string(kv.Value), 10, 64); err != nil {
				return fmt.Errorf("corrupt sequence of %s: %w", family, err)
			}
		}
		entry.Sequence = last + 1
		t.guard(seqKey, kv)
		t.put(seqKey, []byte(strconv.FormatUint(entry.Sequence, 10)))
	}
	itemKey := queueItemKey(family, entry.Sequence)
	t.guard(itemKey, nil)
	return t.putJSON(itemKey, entry)
}

// EnqueuePlayer appends entry to the tail of family's queue. Entries without a requestId or
// playerId are rejected.
func (s *Store) EnqueuePlayer(ctx context.Context, family string, entry QueueEntry) (QueueEntry, error) {
	if blank(family) {
		return QueueEntry{}, fmt.Errorf("%w: family is required", errs.ErrInvalidArgument)
	}
	if err := entry.Request.Validate(); err != nil {
		return QueueEntry{}, err
	}
	entry.Request.FamilyID = family
	if entry.EnqueuedAtMillis <= 0 {
		entry.EnqueuedAtMillis = s.now().UnixMilli()
	}
	for range maxTxRetryAttempts {
		e := entry
		e.Sequence = 0
		t := &txn{}
		if err := s.enqueueInto(ctx, t, &e); err != nil {
			return QueueEntry{}, err
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			return QueueEntry{}, err
		}
		if ok {
			metrics.QueueOperationsTotal.WithLabelValues("enqueue").Inc()
			log.Debug().Str("family", family).Str("requestId", e.Request.RequestID).Uint64("seq", e.Sequence).Msg("routing: player enqueued")
			return e, nil
		}
	}
	return QueueEntry{}, ErrContention
}

// Requeue puts a previously polled entry back at its original position.
func (s *Store) Requeue(ctx context.Context, entry QueueEntry) error {
	if err := entry.Request.Validate(); err != nil {
		return err
	}
	if entry.Sequence == 0 {
		_, err := s.EnqueuePlayer(ctx, entry.Request.FamilyID, entry)
		return err
	}
	t := &txn{}
	if err := s.enqueueInto(ctx, t, &entry); err != nil {
		return err
	}
	ok, err := s.commit(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s already queued at %d", errs.ErrConflict, entry.Request.RequestID, entry.Sequence)
	}
	metrics.QueueOperationsTotal.WithLabelValues("requeue").Inc()
	return nil
}

// head returns the oldest decodable entry of family's queue. Undecodable entries in front
// of it are deleted so they cannot stall the queue.
func (s *Store) head(ctx context.Context, family string) (*store.KeyValue, *QueueEntry, error) {
	if blank(family) {
		return nil, nil, nil
	}
	for range maxTxRetryAttempts {
		kvs, err := s.kv.List(ctx, queueItemPrefix(family), 1)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read head of %s: %w", family, err)
		}
		if len(kvs) == 0 {
			return nil, nil, nil
		}
		var e QueueEntry
		if err := json.Unmarshal(kvs[0].Value, &e); err != nil {
			log.Error().Err(err).Str("key", kvs[0].Key).Msg("routing: dropping undecodable queue entry")
			if _, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(kvs[0])}, []store.Op{store.Delete(kvs[0].Key)}); err != nil {
				return nil, nil, fmt.Errorf("failed to drop %s: %w", kvs[0].Key, err)
			}
			metrics.QueueOperationsTotal.WithLabelValues("drop").Inc()
			continue
		}
		return kvs[0], &e, nil
	}
	return nil, nil, ErrContention
}

// PeekPlayer returns the head of family's queue without claiming it. A blank or unknown
// family is an empty queue.
func (s *Store) PeekPlayer(ctx context.Context, family string) (*QueueEntry, error) {
	_, e, err := s.head(ctx, family)
	return e, err
}

// PollPlayer claims and returns the head of family's queue, or nil when it is empty. Once
// returned, no other caller can observe the same entry.
func (s *Store) PollPlayer(ctx context.Context, family string) (*QueueEntry, error) {
	for range maxTxRetryAttempts {
		kv, e, err := s.head(ctx, family)
		if err != nil || kv == nil {
			return nil, err
		}
		ok, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(kv)}, []store.Op{store.Delete(kv.Key)})
		if err != nil {
			return nil, fmt.Errorf("failed to claim %s: %w", kv.Key, err)
		}
		if ok {
			metrics.QueueOperationsTotal.WithLabelValues("poll").Inc()
			return e, nil
		}
	}
	return nil, ErrContention
}

// ListQueued returns family's queue in order.
func (s *Store) ListQueued(ctx context.Context, family string) ([]QueueEntry, error) {
	if blank(family) {
		return nil, nil
	}
	kvs, err := s.kv.List(ctx, queueItemPrefix(family), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", family, err)
	}
	out := make([]QueueEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e QueueEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			log.Error().Err(err).Str("key", kv.Key).Msg("routing: skipping undecodable queue entry")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RemoveQueued cancels requestID while it is still waiting in family's queue. It returns
// nil if the request is not queued there.
func (s *Store) RemoveQueued(ctx context.Context, family, requestID string) (*QueueEntry, error) {
	if blank(family) || blank(requestID) {
		return nil, nil
	}
	kvs, err := s.kv.List(ctx, queueItemPrefix(family), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue %s: %w", family, err)
	}
	for _, kv := range kvs {
		var e QueueEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil || e.Request.RequestID != requestID {
			continue
		}
		ok, err := s.kv.Txn(ctx, []store.Cmp{store.Unchanged(kv)}, []store.Op{store.Delete(kv.Key)})
		if err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", requestID, err)
		}
		if !ok {
			return nil, nil
		}
		metrics.QueueOperationsTotal.WithLabelValues("remove").Inc()
		return &e, nil
	}
	return nil, nil
}

// QueueLength returns the number of entries waiting in family's queue.
func (s *Store) QueueLength(ctx context.Context, family string) (int, error) {
	if blank(family) {
		return 0, nil
	}
	kvs, err := s.kv.List(ctx, queueItemPrefix(family), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue %s: %w", family, err)
	}
	return len(kvs), nil
}

// Families returns every family that has ever been queued for.
func (s *Store) Families(ctx context.Context) ([]string, error) {
	kvs, err := s.kv.List(ctx, queueSeqPrefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, store.Segment(kv.Key))
	}
	return out, nil
}
