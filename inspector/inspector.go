// Package inspector merges the active, unavailable and dead keyspaces of the fleet into one
// read-only view per entity.
//
// All three keyspaces come from one registry snapshot, so an entity changing state while a
// fetch runs shows up once, in its old or its new state, and is never missing. Views can be
// stale by the time they are served.
package inspector

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"fleet-registry/fleet"

	"github.com/rs/zerolog/log"
)

// Snapshotter is the part of the registry the inspector reads.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]fleet.Entity, error)
}

// View is an entity with the fields derived from the keyspace it was found in.
type View struct {
	fleet.Entity
	RecentlyDead     bool  `json:"recentlyDead"`
	UnavailableSince int64 `json:"unavailableSince,omitempty"`
	DeadSince        int64 `json:"deadSince,omitempty"`
}

type Inspector struct {
	registry Snapshotter
}

func New(registry Snapshotter) *Inspector {
	return &Inspector{registry: registry}
}

func (i *Inspector) FetchServers(ctx context.Context) ([]View, error) {
	return i.fetch(ctx, fleet.RoleServer)
}

func (i *Inspector) FetchProxies(ctx context.Context) ([]View, error) {
	return i.fetch(ctx, fleet.RoleProxy)
}

func (i *Inspector) fetch(ctx context.Context, role fleet.Role) ([]View, error) {
	entities, err := i.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]fleet.Entity, len(entities))
	for _, e := range entities {
		if e.Role != role {
			continue
		}
		id := e.ID.String()
		if prev, seen := byID[id]; seen && rank(prev.Status) <= rank(e.Status) {
			continue
		}
		byID[id] = e
	}
	out := make([]View, 0, len(byID))
	for _, e := range byID {
		out = append(out, toView(e))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID.Compare(out[b].ID) < 0 })
	return out, nil
}

// rank orders statuses by freshness, lowest first.
func rank(s fleet.Status) int {
	switch s {
	case fleet.StatusAvailable:
		return 0
	case fleet.StatusUnavailable:
		return 1
	}
	return 2
}

func toView(e fleet.Entity) View {
	v := View{Entity: e}
	switch e.Status {
	case fleet.StatusUnavailable:
		v.UnavailableSince = e.UnavailableSinceMillis
	case fleet.StatusDead:
		// the dead keyspace only holds snapshots inside the retention window
		v.RecentlyDead = true
		v.UnavailableSince = e.UnavailableSinceMillis
		v.DeadSince = e.DeadSinceMillis
	}
	return v
}

// Register exposes the merged views read-only.
func (i *Inspector) Register(mux *http.ServeMux) {
	mux.HandleFunc("/inspect/servers", i.serve(i.FetchServers))
	mux.HandleFunc("/inspect/proxies", i.serve(i.FetchProxies))
}

func (i *Inspector) serve(fetch func(context.Context) ([]View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		views, err := fetch(r.Context())
		if err != nil {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("inspector: fetch failed")
			http.Error(w, "inspection failed", http.StatusInternalServerError)
			return
		}
		if views == nil {
			views = []View{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(views)
	}
}
