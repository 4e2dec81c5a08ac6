// Package memory is an in-process store.Store with the same revision semantics as etcd.
// It backs tests and single-node development runs; state does not survive a restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"fleet-registry/store"
)

var ErrClosed = errors.New("memory store closed")

type entry struct {
	value []byte
	rev   int64
}

type Store struct {
	mu       sync.RWMutex
	revision int64
	data     map[string]entry
	closed   bool
}

func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return &store.KeyValue{Key: key, Value: clone(e.value), ModRevision: e.rev}, nil
}

func (s *Store) List(ctx context.Context, prefix string, limit int64) ([]*store.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && int64(len(keys)) > limit {
		keys = keys[:limit]
	}
	out := make([]*store.KeyValue, 0, len(keys))
	for _, k := range keys {
		e := s.data[k]
		out = append(out, &store.KeyValue{Key: k, Value: clone(e.value), ModRevision: e.rev})
	}
	return out, nil
}

func (s *Store) Txn(ctx context.Context, cmps []store.Cmp, ops []store.Op) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	for _, c := range cmps {
		if s.data[c.Key].rev != c.ModRevision {
			return false, nil
		}
	}
	if len(ops) == 0 {
		return true, nil
	}
	s.revision++
	for _, op := range ops {
		if op.Delete {
			delete(s.data, op.Key)
			continue
		}
		s.data[op.Key] = entry{value: clone(op.Value), rev: s.revision}
	}
	return true, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
