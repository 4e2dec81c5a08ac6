package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fleet-registry/errs"
	"fleet-registry/identifier"
	"fleet-registry/metrics"
	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

// Registry is the durable membership record of servers and proxies. Entities live in exactly
// one of three keyspaces (active, unavailable, dead) and move between them through
// revision-guarded transactions, so any number of registry processes may call into it
// concurrently.
type Registry struct {
	store   store.Store
	tracker *Tracker
	now     func() time.Time
}

func NewRegistry(s store.Store, tracker *Tracker) *Registry {
	return &Registry{store: s, tracker: tracker, now: time.Now}
}

func (r *Registry) Tracker() *Tracker { return r.tracker }

// Register upserts e as AVAILABLE, replacing any unavailable or dead copy.
func (r *Registry) Register(ctx context.Context, e Entity) error {
	if err := e.validate(); err != nil {
		return err
	}
	now := r.now().UnixMilli()
	e.Status = StatusAvailable
	if e.RegisteredAtMillis <= 0 {
		e.RegisteredAtMillis = now
	}
	if e.LastHeartbeatMillis <= 0 {
		e.LastHeartbeatMillis = now
	}
	e.UnavailableSinceMillis = 0
	e.DeadSinceMillis = 0

	put, err := store.PutJSON(entityKey(StatusAvailable, e.ID), e)
	if err != nil {
		return err
	}
	if _, err := r.store.Txn(ctx, nil, []store.Op{
		put,
		store.Delete(entityKey(StatusUnavailable, e.ID)),
		store.Delete(entityKey(StatusDead, e.ID)),
	}); err != nil {
		return fmt.Errorf("failed to register %s: %w", e.ID, err)
	}
	if _, err := r.tracker.Beat(ctx, e.ID, e.LastHeartbeatMillis); err != nil {
		log.Warn().Err(err).Str("id", e.ID.String()).Msg("registry: failed to seed heartbeat")
	}
	log.Info().Str("id", e.ID.String()).Str("role", string(e.Role)).Str("family", e.Family).
		Str("address", e.Address).Int("port", e.Port).Int("capacity", e.Capacity).Msg("registry: entity registered")
	return nil
}

// RecordHeartbeat refreshes the liveness of id. A timestamp older than the recorded one is
// ignored and reported as not accepted. An accepted heartbeat promotes an UNAVAILABLE or DEAD
// entity back to AVAILABLE; a DEAD entity starts a new registration epoch and its archived
// snapshot is cleared. Unknown entities yield errs.ErrNotFound.
func (r *Registry) RecordHeartbeat(ctx context.Context, id identifier.ID, ts int64) (bool, error) {
	accepted, err := r.tracker.Beat(ctx, id, ts)
	if err != nil {
		return false, err
	}
	if !accepted {
		metrics.HeartbeatsTotal.WithLabelValues("stale").Inc()
		log.Debug().Str("id", id.String()).Int64("ts", ts).Msg("registry: stale heartbeat ignored")
		return false, nil
	}
	metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()

	for range maxTxRetryAttempts {
		activeKV, err := r.store.Get(ctx, entityKey(StatusAvailable, id))
		if err != nil {
			return true, fmt.Errorf("failed to read %s: %w", id, err)
		}
		if activeKV != nil {
			return true, nil
		}
		unavKV, unav, err := r.read(ctx, StatusUnavailable, id)
		if err != nil {
			return true, err
		}
		if unavKV != nil {
			ok, err := r.promote(ctx, unav, ts, StatusUnavailable, []store.Cmp{store.Unchanged(unavKV)})
			if err != nil || ok {
				return true, err
			}
			continue
		}
		deadKV, dead, err := r.read(ctx, StatusDead, id)
		if err != nil {
			return true, err
		}
		if deadKV != nil {
			ok, err := r.promote(ctx, dead, ts, StatusDead, []store.Cmp{
				store.Unchanged(deadKV),
				store.Absent(entityKey(StatusUnavailable, id)),
			})
			if err != nil || ok {
				return true, err
			}
			continue
		}
		return true, fmt.Errorf("%w: entity %s", errs.ErrNotFound, id)
	}
	return true, fmt.Errorf("%w: promote %s: max attempts count exceeded", errs.ErrConflict, id)
}

func (r *Registry) promote(ctx context.Context, e Entity, ts int64, from Status, cmps []store.Cmp) (bool, error) {
	if from == StatusDead {
		e.RegisteredAtMillis = ts
	}
	e.Status = StatusAvailable
	e.LastHeartbeatMillis = ts
	e.UnavailableSinceMillis = 0
	e.DeadSinceMillis = 0
	put, err := store.PutJSON(entityKey(StatusAvailable, e.ID), e)
	if err != nil {
		return false, err
	}
	cmps = append(cmps, store.Absent(entityKey(StatusAvailable, e.ID)))
	ok, err := r.store.Txn(ctx, cmps, []store.Op{put, store.Delete(entityKey(from, e.ID))})
	if err != nil {
		return false, fmt.Errorf("failed to promote %s: %w", e.ID, err)
	}
	if ok {
		metrics.LivenessTransitionsTotal.WithLabelValues(string(StatusAvailable)).Inc()
		log.Info().Str("id", e.ID.String()).Str("from", string(from)).Msg("registry: entity promoted to AVAILABLE")
	}
	return ok, nil
}

// UpdateLoad refreshes the load figures an AVAILABLE entity reports in its heartbeats.
func (r *Registry) UpdateLoad(ctx context.Context, id identifier.ID, playerCount, capacity int, tps float64) error {
	if playerCount < 0 || capacity < 0 {
		return fmt.Errorf("%w: negative load", errs.ErrInvalidArgument)
	}
	for range maxTxRetryAttempts {
		kv, e, err := r.read(ctx, StatusAvailable, id)
		if err != nil {
			return err
		}
		if kv == nil {
			return fmt.Errorf("%w: active entity %s", errs.ErrNotFound, id)
		}
		if e.PlayerCount == playerCount && e.Capacity == capacity && e.TPS == tps {
			return nil
		}
		e.PlayerCount, e.Capacity, e.TPS = playerCount, capacity, tps
		put, err := store.PutJSON(kv.Key, e)
		if err != nil {
			return err
		}
		ok, err := r.store.Txn(ctx, []store.Cmp{store.Unchanged(kv)}, []store.Op{put})
		if err != nil {
			return fmt.Errorf("failed to update load of %s: %w", id, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: update load of %s: max attempts count exceeded", errs.ErrConflict, id)
}

// Get looks id up in the active, unavailable and dead keyspaces, in that order.
func (r *Registry) Get(ctx context.Context, id identifier.ID) (Entity, error) {
	for _, status := range []Status{StatusAvailable, StatusUnavailable, StatusDead} {
		kv, e, err := r.read(ctx, status, id)
		if err != nil {
			return Entity{}, err
		}
		if kv == nil {
			continue
		}
		beat, err := r.tracker.Last(ctx, id)
		if err != nil {
			return Entity{}, err
		}
		mergeBeat(&e, beat)
		return e, nil
	}
	return Entity{}, fmt.Errorf("%w: entity %s", errs.ErrNotFound, id)
}

// List returns every entity in the keyspace of status.
func (r *Registry) List(ctx context.Context, status Status) ([]Entity, error) {
	_, entities, err := r.listRaw(ctx, status)
	if err != nil {
		return nil, err
	}
	beats, err := r.tracker.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entities {
		mergeBeat(&entities[i], beats[entities[i].ID.String()])
	}
	return entities, nil
}

// Snapshot returns every active, unavailable and dead entity together with its heartbeat,
// all from a single range read. An entity crossing keyspaces concurrently is seen in exactly
// one state, never in none. Should an id appear in more than one keyspace, the freshest copy
// wins: active, then unavailable, then dead.
func (r *Registry) Snapshot(ctx context.Context) ([]Entity, error) {
	kvs, err := r.store.List(ctx, registryPrefix(), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry snapshot: %w", err)
	}
	beats := make(map[string]*Beat)
	byID := make(map[string]Entity)
	for _, kv := range kvs {
		space, _, ok := strings.Cut(strings.TrimPrefix(kv.Key, registryPrefix()), "/")
		if !ok {
			continue
		}
		if space == "heartbeats" {
			if b, err := toBeat(kv); err == nil {
				beats[store.Segment(kv.Key)] = b
			}
			continue
		}
		status, ok := statusOf(space)
		if !ok {
			continue
		}
		e, err := decode(kv, status)
		if err != nil {
			log.Error().Err(err).Str("key", kv.Key).Msg("registry: skipping undecodable entity")
			continue
		}
		id := e.ID.String()
		if prev, seen := byID[id]; seen && freshness(prev.Status) <= freshness(status) {
			continue
		}
		byID[id] = e
	}
	out := make([]Entity, 0, len(byID))
	for id, e := range byID {
		mergeBeat(&e, beats[id])
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

// Available returns the AVAILABLE servers of family.
func (r *Registry) Available(ctx context.Context, family string) ([]Entity, error) {
	all, err := r.List(ctx, StatusAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(all))
	for _, e := range all {
		if e.Role.Routable() && e.Family == family {
			out = append(out, e)
		}
	}
	return out, nil
}

// EvaluateLiveness demotes AVAILABLE entities silent for longer than stale and archives
// UNAVAILABLE entities silent for longer than dead. Each transition is conditional on the
// entity record and its heartbeat being unchanged since they were read, so concurrent
// evaluations and heartbeats never double-apply or lose a transition. An entity silent past
// dead goes all the way to DEAD in a single call.
func (r *Registry) EvaluateLiveness(ctx context.Context, now time.Time, stale, dead time.Duration) (Transitions, error) {
	var out Transitions
	if stale <= 0 || dead < stale {
		return out, fmt.Errorf("%w: thresholds stale=%s dead=%s", errs.ErrInvalidArgument, stale, dead)
	}
	beats, err := r.tracker.All(ctx)
	if err != nil {
		return out, err
	}
	nowMs := now.UnixMilli()
	var failures []error

	kvs, entities, err := r.listRaw(ctx, StatusAvailable)
	if err != nil {
		return out, err
	}
	for i, kv := range kvs {
		e := entities[i]
		beat := beats[e.ID.String()]
		last := lastSeen(e, beat)
		if nowMs-last <= stale.Milliseconds() {
			continue
		}
		e.Status = StatusUnavailable
		e.LastHeartbeatMillis = last
		e.UnavailableSinceMillis = nowMs
		put, err := store.PutJSON(entityKey(StatusUnavailable, e.ID), e)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		ok, err := r.store.Txn(ctx,
			[]store.Cmp{store.Unchanged(kv), store.Absent(entityKey(StatusUnavailable, e.ID)), beatCmp(e.ID, beat)},
			[]store.Op{store.Delete(kv.Key), put},
		)
		if err != nil {
			failures = append(failures, fmt.Errorf("failed to demote %s: %w", e.ID, err))
			continue
		}
		if ok {
			out.Demoted = append(out.Demoted, e)
			metrics.LivenessTransitionsTotal.WithLabelValues(string(StatusUnavailable)).Inc()
			log.Warn().Str("id", e.ID.String()).Str("role", string(e.Role)).Int64("silentMs", nowMs-last).Msg("registry: entity demoted to UNAVAILABLE")
		}
	}

	kvs, entities, err = r.listRaw(ctx, StatusUnavailable)
	if err != nil {
		return out, errors.Join(append(failures, err)...)
	}
	for i, kv := range kvs {
		e := entities[i]
		beat := beats[e.ID.String()]
		last := lastSeen(e, beat)
		if nowMs-last <= dead.Milliseconds() {
			continue
		}
		e.Status = StatusDead
		e.LastHeartbeatMillis = last
		e.DeadSinceMillis = nowMs
		put, err := store.PutJSON(entityKey(StatusDead, e.ID), e)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		ok, err := r.store.Txn(ctx,
			[]store.Cmp{store.Unchanged(kv), beatCmp(e.ID, beat)},
			[]store.Op{store.Delete(kv.Key), put},
		)
		if err != nil {
			failures = append(failures, fmt.Errorf("failed to archive %s: %w", e.ID, err))
			continue
		}
		if ok {
			out.Killed = append(out.Killed, e)
			metrics.LivenessTransitionsTotal.WithLabelValues(string(StatusDead)).Inc()
			log.Warn().Str("id", e.ID.String()).Str("role", string(e.Role)).Int64("silentMs", nowMs-last).Msg("registry: entity archived as DEAD")
		}
	}
	return out, errors.Join(failures...)
}

// PruneDead drops archived snapshots older than retention, together with their heartbeat.
func (r *Registry) PruneDead(ctx context.Context, now time.Time, retention time.Duration) ([]Entity, error) {
	kvs, entities, err := r.listRaw(ctx, StatusDead)
	if err != nil {
		return nil, err
	}
	var (
		pruned   []Entity
		failures []error
	)
	cutoff := now.Add(-retention).UnixMilli()
	for i, kv := range kvs {
		e := entities[i]
		if e.DeadSinceMillis > cutoff {
			continue
		}
		ok, err := r.store.Txn(ctx,
			[]store.Cmp{
				store.Unchanged(kv),
				store.Absent(entityKey(StatusAvailable, e.ID)),
				store.Absent(entityKey(StatusUnavailable, e.ID)),
			},
			[]store.Op{store.Delete(kv.Key), store.Delete(heartbeatKey(e.ID))},
		)
		if err != nil {
			failures = append(failures, fmt.Errorf("failed to prune %s: %w", e.ID, err))
			continue
		}
		if ok {
			pruned = append(pruned, e)
			log.Debug().Str("id", e.ID.String()).Msg("registry: dead snapshot pruned")
		}
	}
	return pruned, errors.Join(failures...)
}

func (r *Registry) read(ctx context.Context, status Status, id identifier.ID) (*store.KeyValue, Entity, error) {
	kv, err := r.store.Get(ctx, entityKey(status, id))
	if err != nil {
		return nil, Entity{}, fmt.Errorf("failed to read %s: %w", id, err)
	}
	if kv == nil {
		return nil, Entity{}, nil
	}
	e, err := decode(kv, status)
	if err != nil {
		return nil, Entity{}, err
	}
	return kv, e, nil
}

func (r *Registry) listRaw(ctx context.Context, status Status) ([]*store.KeyValue, []Entity, error) {
	kvs, err := r.store.List(ctx, entityPrefix(status), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s entities: %w", status, err)
	}
	keep := make([]*store.KeyValue, 0, len(kvs))
	entities := make([]Entity, 0, len(kvs))
	for _, kv := range kvs {
		e, err := decode(kv, status)
		if err != nil {
			log.Error().Err(err).Str("key", kv.Key).Msg("registry: skipping undecodable entity")
			continue
		}
		keep = append(keep, kv)
		entities = append(entities, e)
	}
	return keep, entities, nil
}

func decode(kv *store.KeyValue, status Status) (Entity, error) {
	var e Entity
	if err := json.Unmarshal(kv.Value, &e); err != nil {
		return Entity{}, fmt.Errorf("failed to decode %s: %w", kv.Key, err)
	}
	e.Status = status
	return e, nil
}

func mergeBeat(e *Entity, b *Beat) {
	if b != nil && b.Millis > e.LastHeartbeatMillis {
		e.LastHeartbeatMillis = b.Millis
	}
}

func lastSeen(e Entity, b *Beat) int64 {
	last := e.LastHeartbeatMillis
	if e.RegisteredAtMillis > last {
		last = e.RegisteredAtMillis
	}
	if b != nil && b.Millis > last {
		last = b.Millis
	}
	return last
}
