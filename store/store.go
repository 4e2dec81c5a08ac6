// Package store defines the shared key-value contract every registry process works against.
//
// All durable state lives behind Store. Reads return the key's mod revision and every mutation
// is a single Txn guarded by revision comparisons, so two processes racing on the same key
// see exactly one winner.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// KeyValue is a stored value together with the revision of its last modification.
type KeyValue struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// Cmp asserts the mod revision of Key. A zero ModRevision asserts the key is absent.
type Cmp struct {
	Key         string
	ModRevision int64
}

// Op is a single put or delete applied when all comparisons of a Txn hold.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

type Store interface {
	// Get returns nil without error when key is absent.
	Get(ctx context.Context, key string) (*KeyValue, error)
	// List returns keys under prefix in ascending key order. limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int64) ([]*KeyValue, error)
	// Txn applies ops atomically iff every cmp holds. It reports whether ops were applied.
	Txn(ctx context.Context, cmps []Cmp, ops []Op) (bool, error)
	Close() error
}

func Absent(key string) Cmp { return Cmp{Key: key} }

// Unchanged asserts kv has not been modified since it was read.
func Unchanged(kv *KeyValue) Cmp { return Cmp{Key: kv.Key, ModRevision: kv.ModRevision} }

func Put(key string, value []byte) Op { return Op{Key: key, Value: value} }

func Delete(key string) Op { return Op{Key: key, Delete: true} }

// PutJSON marshals v into a put operation.
func PutJSON(key string, v any) (Op, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	return Put(key, b), nil
}

// Key joins escaped segments under root, e.g. Key("/fleet-router", "queues", "mini/v2").
// Every segment keeps its own path element: an empty segment stays empty and "." or ".." are
// escaped, so no segment can widen or climb out of its prefix.
func Key(root string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(root, "/"))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(escape(s))
	}
	return b.String()
}

func escape(s string) string {
	switch s {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(s)
}

// Prefix is Key with a trailing slash, suitable for List.
func Prefix(root string, segments ...string) string {
	return Key(root, segments...) + "/"
}

// Segment returns the unescaped last path element of key.
func Segment(key string) string {
	last := key[strings.LastIndexByte(key, '/')+1:]
	s, err := url.PathUnescape(last)
	if err != nil {
		return last
	}
	return s
}
