package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-registry/metrics"
	"fleet-registry/store"

	"github.com/rs/zerolog/log"
)

const ReasonTimeout = "timeout"

// SweepOutcome reports what happened to one timed-out route.
type SweepOutcome struct {
	Route InFlightRoute
	// Requeued is false when the request ran out of attempts and was dropped.
	Requeued bool
	Reason   string
}

// PartySweepOutcome reports one party allocation removed by a sweep.
type PartySweepOutcome struct {
	Allocation PartyAllocation
	// Expired is true when members were still pending at the deadline. Finalized allocations
	// are cleaned up with Expired false.
	Expired bool
}

// SweepInFlight handles routes unconfirmed for longer than timeout. Each one is removed and its
// reservation released; the request goes back to its original queue position with the
// attempted slot recorded, unless it has now failed maxAttempts times. A route concurrently
// confirmed or cancelled is skipped.
func (s *Store) SweepInFlight(ctx context.Context, now time.Time, timeout time.Duration, maxAttempts int) ([]SweepOutcome, error) {
	if timeout <= 0 || maxAttempts <= 0 {
		return nil, fmt.Errorf("invalid sweep settings timeout=%s maxAttempts=%d", timeout, maxAttempts)
	}
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("inflight").Observe(time.Since(start).Seconds()) }()

	kvs, routes, err := s.listInFlight(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-timeout).UnixMilli()
	var (
		out  []SweepOutcome
		errs []error
	)
	for i, r := range routes {
		if r.AssignedAtMillis > cutoff {
			continue
		}
		outcome, swept, err := s.expireRoute(ctx, kvs[i], r, now, maxAttempts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !swept {
			continue
		}
		out = append(out, outcome)
		result := "failed"
		if outcome.Requeued {
			result = "requeued"
		}
		metrics.RoutesTotal.WithLabelValues(result).Inc()
		log.Info().
			Str("requestId", r.Context.Request.RequestID).
			Str("slotId", r.AssignedSlotID).
			Int("attempts", outcome.Route.Context.Attempts).
			Bool("requeued", outcome.Requeued).
			Msg("routing: in-flight route timed out")
	}
	return out, errors.Join(errs...)
}

func (s *Store) expireRoute(ctx context.Context, kv *store.KeyValue, r InFlightRoute, now time.Time, maxAttempts int) (SweepOutcome, bool, error) {
	entry := r.Context
	entry.Attempts++
	if !entry.Attempted(r.AssignedSlotID) {
		entry.AttemptedServerIDs = append(entry.AttemptedServerIDs, r.AssignedSlotID)
	}
	entry.LastFailureReason = ReasonTimeout
	entry.LastAttemptAtMillis = now.UnixMilli()

	t := &txn{}
	t.guard(kv.Key, kv)
	t.del(kv.Key)
	if r.Reserved > 0 {
		if _, err := s.reserveInto(ctx, t, r.AssignedSlotID, -r.Reserved, 0); err != nil {
			return SweepOutcome{}, false, err
		}
	}
	requeue := entry.Attempts < maxAttempts
	if requeue {
		if err := s.enqueueInto(ctx, t, &entry); err != nil {
			return SweepOutcome{}, false, err
		}
	}
	ok, err := s.commit(ctx, t)
	if err != nil || !ok {
		// lost to a confirm, cancel or another sweeper
		return SweepOutcome{}, false, err
	}
	r.Context = entry
	return SweepOutcome{Route: r, Requeued: requeue, Reason: ReasonTimeout}, true, nil
}

// SweepPartyAllocations removes allocations older than deadline. Finalized ones are kept until
// then so a redelivered party request still finds its allocation. Incomplete ones expire and
// give back the reservation units of members who never joined.
func (s *Store) SweepPartyAllocations(ctx context.Context, now time.Time, deadline time.Duration) ([]PartySweepOutcome, error) {
	if deadline <= 0 {
		return nil, fmt.Errorf("invalid party deadline %s", deadline)
	}
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("party").Observe(time.Since(start).Seconds()) }()

	kvs, allocs, err := s.listParties(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-deadline).UnixMilli()
	var (
		out  []PartySweepOutcome
		errs []error
	)
	for i, a := range allocs {
		if a.AllocatedAtMillis > cutoff {
			continue
		}
		expired := !a.Finalized
		t := &txn{}
		t.guard(kvs[i].Key, kvs[i])
		t.del(kvs[i].Key)
		if a.Reserved > 0 {
			if _, err := s.reserveInto(ctx, t, a.SlotID, -a.Reserved, 0); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		ok, err := s.commit(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, PartySweepOutcome{Allocation: a, Expired: expired})
		if expired {
			metrics.PartyAllocationsTotal.WithLabelValues("expired").Inc()
			log.Warn().
				Str("reservationId", a.Reservation.ReservationID).
				Str("slotId", a.SlotID).
				Strs("pending", a.PendingPlayers).
				Msg("routing: party allocation expired")
		}
	}
	return out, errors.Join(errs...)
}
