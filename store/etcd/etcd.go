// Package etcd implements store.Store on an etcd v3 cluster.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-registry/store"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	readAttempts = 3
	readDelay    = 50 * time.Millisecond
)

type Store struct {
	etcd *clientv3.Client
}

func New(endpoints []string, dialTimeout time.Duration) (*Store, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	log.Info().Strs("endpoints", endpoints).Msg("etcd store: client created")
	return &Store{etcd: clnt}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(clnt *clientv3.Client) *Store {
	return &Store{etcd: clnt}
}

func (s *Store) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	var resp *clientv3.GetResponse
	err := s.read(ctx, func() (err error) {
		resp, err = s.etcd.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) < 1 {
		return nil, nil
	}
	return toKeyValue(resp.Kvs[0]), nil
}

func (s *Store) List(ctx context.Context, prefix string, limit int64) ([]*store.KeyValue, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(limit))
	}
	var resp *clientv3.GetResponse
	err := s.read(ctx, func() (err error) {
		resp, err = s.etcd.Get(ctx, prefix, opts...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	out := make([]*store.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, toKeyValue(kv))
	}
	return out, nil
}

// Txn is not retried: a transport error leaves the outcome unknown and callers re-read.
func (s *Store) Txn(ctx context.Context, cmps []store.Cmp, ops []store.Op) (bool, error) {
	resp, err := s.etcd.Txn(ctx).If(toCmps(cmps)...).Then(toOps(ops)...).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit txn: %w", err)
	}
	return resp.Succeeded, nil
}

func (s *Store) Close() error {
	if err := s.etcd.Close(); err != nil {
		log.Error().Err(err).Msg("etcd store: failed to close client")
		return err
	}
	return nil
}

func (s *Store) read(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(readAttempts),
		retry.Delay(readDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
}

func toKeyValue(kv *mvccpb.KeyValue) *store.KeyValue {
	return &store.KeyValue{
		Key:         string(kv.Key),
		Value:       kv.Value,
		ModRevision: kv.ModRevision,
	}
}

func toCmps(cmps []store.Cmp) []clientv3.Cmp {
	out := make([]clientv3.Cmp, 0, len(cmps))
	for _, c := range cmps {
		out = append(out, toCmp(c))
	}
	return out
}

func toCmp(c store.Cmp) clientv3.Cmp {
	if c.ModRevision == 0 {
		return clientv3.Compare(clientv3.CreateRevision(c.Key), "=", 0)
	}
	return clientv3.Compare(clientv3.ModRevision(c.Key), "=", c.ModRevision)
}

func toOps(ops []store.Op) []clientv3.Op {
	out := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			out = append(out, clientv3.OpDelete(op.Key))
			continue
		}
		out = append(out, clientv3.OpPut(op.Key, string(op.Value)))
	}
	return out
}
