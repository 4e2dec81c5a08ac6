package allocator

import (
	"context"
	"errors"
	"time"

	"fleet-registry/fleet"
	"fleet-registry/metrics"
	"fleet-registry/queues"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run drives the allocation loop and the periodic sweeps on independent tickers until ctx is
// done. A failing pass is logged and retried on the next tick.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.every(ctx, g, "dispatch", c.settings.DispatchInterval, func(ctx context.Context) error {
		_, err := c.DispatchOnce(ctx)
		return err
	})
	c.every(ctx, g, "liveness", c.settings.LivenessInterval, c.SweepLiveness)
	c.every(ctx, g, "prune", c.settings.PruneInterval, c.PruneDead)
	c.every(ctx, g, "inflight", c.settings.InFlightSweepInterval, c.SweepInFlight)
	c.every(ctx, g, "party", c.settings.PartySweepInterval, c.SweepParties)
	return g.Wait()
}

func (c *Controller) every(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, task func(context.Context) error) {
	g.Go(func() error {
		log.Info().Str("task", name).Dur("interval", interval).Msg("controller: starting periodic task")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("task", name).Msg("controller: periodic task failed")
				}
			}
		}
	})
}

// SweepLiveness demotes and archives silent entities. Players whose active slot was on a
// server that just died are detached from it.
func (c *Controller) SweepLiveness(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("liveness").Observe(time.Since(start).Seconds()) }()

	trans, err := c.registry.EvaluateLiveness(ctx, c.now(), c.settings.StaleThreshold, c.settings.DeadThreshold)
	var failures []error
	if err != nil {
		failures = append(failures, err)
	}
	for _, e := range trans.Killed {
		if e.Role != fleet.RoleServer {
			continue
		}
		evicted, err := c.routes.RemoveActivePlayersForSlot(ctx, e.ID.String())
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if len(evicted) > 0 {
			log.Warn().Str("slotId", e.ID.String()).Strs("players", evicted).Msg("controller: detached players from dead server")
		}
	}
	return errors.Join(failures...)
}

func (c *Controller) PruneDead(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("prune").Observe(time.Since(start).Seconds()) }()
	_, err := c.registry.PruneDead(ctx, c.now(), c.settings.DeadRetention)
	return err
}

// SweepInFlight requeues unconfirmed routes and reports requests that ran out of attempts to
// their origin.
func (c *Controller) SweepInFlight(ctx context.Context) error {
	outcomes, err := c.routes.SweepInFlight(ctx, c.now(), c.settings.InFlightTimeout, c.settings.MaxRouteAttempts)
	var failures []error
	if err != nil {
		failures = append(failures, err)
	}
	for _, o := range outcomes {
		if o.Requeued {
			continue
		}
		req := o.Route.Context.Request
		if err := c.publishFailure(ctx, queues.RoutingFailure{
			RequestID:     req.RequestID,
			OriginProxyID: req.OriginProxyID,
			Reason:        ReasonAttemptsExhausted,
			Attempts:      o.Route.Context.Attempts,
		}); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// SweepParties releases parties whose members did not all join in time and notifies the
// origin.
func (c *Controller) SweepParties(ctx context.Context) error {
	outcomes, err := c.routes.SweepPartyAllocations(ctx, c.now(), c.settings.PartyDeadline)
	var failures []error
	if err != nil {
		failures = append(failures, err)
	}
	for _, o := range outcomes {
		if !o.Expired {
			continue
		}
		if err := c.publishFailure(ctx, queues.RoutingFailure{
			ReservationID: o.Allocation.Reservation.ReservationID,
			OriginProxyID: o.Allocation.Reservation.OriginProxyID,
			Reason:        ReasonPartyExpired,
		}); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
