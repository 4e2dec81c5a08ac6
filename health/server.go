package health

import (
	"context"
	"net/http"
	"time"

	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

const probeKey = "/fleet-registry/readyz"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// StoreCheck probes the shared store with a single read.
func StoreCheck(kv store.Store) Check {
	return func(ctx context.Context) error {
		_, err := kv.Get(ctx, probeKey)
		return err
	}
}

func Register(mux *http.ServeMux, checks ...Check) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn().Err(err).Msg("health: readiness check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}
