package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-registry/errs"
	"fleet-registry/fleet"
	"fleet-registry/identifier"
	"fleet-registry/metrics"
	"fleet-registry/provisioning"
	"fleet-registry/queues"
	"fleet-registry/routing"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
)

// Controller turns inbound envelopes into registry and routing store operations and runs the
// allocation loop and sweeps. All state lives in the shared store, so any number of
// controllers may run side by side.
type Controller struct {
	registry    *fleet.Registry
	routes      *routing.Store
	queue       *QueueManager
	publisher   queues.Publisher
	provisioner provisioning.Dispatcher
	settings    Settings
	now         func() time.Time

	mu            sync.Mutex
	lastProvision map[string]time.Time
}

// NewController wires the controller. provisioner may be nil, in which case shortages are
// only logged.
func NewController(registry *fleet.Registry, routes *routing.Store, p queues.Publisher, provisioner provisioning.Dispatcher, settings Settings) *Controller {
	return &Controller{
		registry:      registry,
		routes:        routes,
		queue:         NewQueueManager(routes),
		publisher:     p,
		provisioner:   provisioner,
		settings:      settings,
		now:           time.Now,
		lastProvision: make(map[string]time.Time),
	}
}

// Handle applies one inbound envelope. Invalid payloads yield errs.ErrInvalidArgument so the
// transport can drop them; other errors are worth a redelivery.
func (c *Controller) Handle(ctx context.Context, env *queues.Envelope) error {
	switch env.Type {
	case queues.TypeHeartbeat:
		var hb queues.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return err
		}
		return c.handleHeartbeat(ctx, hb)
	case queues.TypeRouteRequest:
		var rr queues.RouteRequest
		if err := env.Decode(&rr); err != nil {
			return err
		}
		return c.handleRouteRequest(ctx, rr)
	case queues.TypePartyRequest:
		var pr queues.PartyRequest
		if err := env.Decode(&pr); err != nil {
			return err
		}
		return c.handlePartyRequest(ctx, pr)
	case queues.TypeRouteConfirm:
		var rc queues.RouteConfirm
		if err := env.Decode(&rc); err != nil {
			return err
		}
		return c.handleRouteConfirm(ctx, rc)
	case queues.TypeRouteCancel:
		var rc queues.RouteCancel
		if err := env.Decode(&rc); err != nil {
			return err
		}
		return c.handleRouteCancel(ctx, rc)
	case queues.TypePartyJoin:
		var pj queues.PartyJoin
		if err := env.Decode(&pj); err != nil {
			return err
		}
		return c.handlePartyJoin(ctx, pj)
	}
	return fmt.Errorf("%w: controller does not accept %q messages", errs.ErrInvalidArgument, env.Type)
}

// handleHeartbeat records liveness and load. The first heartbeat of an unknown entity
// registers it.
func (c *Controller) handleHeartbeat(ctx context.Context, hb queues.Heartbeat) error {
	id, err := identifier.ParseOrLegacy(hb.EntityID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	ts := hb.TimestampMillis
	if ts <= 0 {
		ts = c.now().UnixMilli()
	}

	accepted, err := c.registry.RecordHeartbeat(ctx, id, ts)
	if errors.Is(err, errs.ErrNotFound) {
		if err := c.register(ctx, id, hb, ts); err != nil {
			return err
		}
		return c.settle(ctx, id, ts)
	}
	if err != nil || !accepted {
		return err
	}
	err = c.registry.UpdateLoad(ctx, id, hb.PlayerCount, hb.Capacity, hb.TPS)
	if errors.Is(err, errs.ErrNotFound) {
		// demoted between the heartbeat and the load update; the next heartbeat promotes it
		return nil
	}
	if err != nil {
		return err
	}
	return c.settle(ctx, id, ts)
}

// settle drops the arrivals the load report sampled at ts already counts.
func (c *Controller) settle(ctx context.Context, id identifier.ID, ts int64) error {
	n, err := c.routes.SettleArrivals(ctx, id.String(), ts)
	if n > 0 {
		log.Debug().Str("slotId", id.String()).Int("settled", n).Msg("controller: arrivals counted by load report")
	}
	return err
}

func (c *Controller) register(ctx context.Context, id identifier.ID, hb queues.Heartbeat, ts int64) error {
	role, err := fleet.ParseRole(hb.Role)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	e := fleet.Entity{
		ID:                  id,
		Role:                role,
		Family:              hb.Family,
		Address:             hb.Address,
		Port:                hb.Port,
		Capacity:            hb.Capacity,
		PlayerCount:         hb.PlayerCount,
		TPS:                 hb.TPS,
		LastHeartbeatMillis: ts,
	}
	if err := c.registry.Register(ctx, e); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues("registered").Inc()
	return nil
}

func (c *Controller) handleRouteRequest(ctx context.Context, rr queues.RouteRequest) error {
	req := routing.Request{
		RequestID:     rr.RequestID,
		PlayerID:      rr.PlayerID,
		PlayerName:    rr.PlayerName,
		FamilyID:      rr.FamilyID,
		VariantID:     rr.VariantID,
		OriginProxyID: rr.OriginProxyID,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	// redelivered request that is already being routed
	if route, err := c.routes.GetInFlightRoute(ctx, req.RequestID); err != nil || route != nil {
		return err
	}
	if _, found, err := c.queue.GetPosition(ctx, req.FamilyID, req.RequestID); err != nil || found {
		return err
	}
	pos, err := c.queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	log.Info().Str("requestId", req.RequestID).Str("playerId", req.PlayerID).Str("family", req.FamilyID).Int("position", pos).Msg("controller: route request queued")
	return nil
}

func (c *Controller) handleRouteConfirm(ctx context.Context, rc queues.RouteConfirm) error {
	if rc.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", errs.ErrInvalidArgument)
	}
	route, prev, err := c.routes.ConfirmRoute(ctx, rc.RequestID)
	if err != nil {
		return err
	}
	if route == nil {
		log.Debug().Str("requestId", rc.RequestID).Msg("controller: confirmation for unknown route; already confirmed or expired")
		return nil
	}
	if prev != "" && prev != route.AssignedSlotID {
		log.Info().Str("playerId", route.Context.Request.PlayerID).Str("from", prev).Str("to", route.AssignedSlotID).Msg("controller: player vacated previous slot")
	}
	log.Info().Str("requestId", rc.RequestID).Str("slotId", route.AssignedSlotID).Msg("controller: route confirmed")
	return nil
}

// handleRouteCancel drops a request whether it is still queued or already in flight.
func (c *Controller) handleRouteCancel(ctx context.Context, rc queues.RouteCancel) error {
	if rc.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", errs.ErrInvalidArgument)
	}
	removed, err := c.queue.RemoveFromQueue(ctx, rc.FamilyID, rc.RequestID)
	if err != nil || removed {
		if removed {
			log.Info().Str("requestId", rc.RequestID).Msg("controller: queued request cancelled")
		}
		return err
	}
	route, err := c.routes.CancelRoute(ctx, rc.RequestID)
	if err != nil {
		return err
	}
	if route == nil {
		log.Debug().Str("requestId", rc.RequestID).Msg("controller: cancel for unknown request; already removed")
		return nil
	}
	log.Info().Str("requestId", rc.RequestID).Str("slotId", route.AssignedSlotID).Msg("controller: in-flight route cancelled")
	return nil
}

func (c *Controller) handlePartyJoin(ctx context.Context, pj queues.PartyJoin) error {
	if pj.ReservationID == "" || pj.PlayerID == "" {
		return fmt.Errorf("%w: reservationId and playerId are required", errs.ErrInvalidArgument)
	}
	if pj.Token != "" {
		alloc, err := c.routes.GetPartyAllocation(ctx, pj.ReservationID)
		if err != nil {
			return err
		}
		if alloc != nil && alloc.Reservation.Tokens[pj.PlayerID] != pj.Token {
			return fmt.Errorf("%w: token mismatch for %s in reservation %s", errs.ErrInvalidArgument, pj.PlayerID, pj.ReservationID)
		}
	}
	alloc, prev, err := c.routes.JoinParty(ctx, pj.ReservationID, pj.PlayerID)
	if errors.Is(err, errs.ErrNotFound) {
		log.Warn().Str("reservationId", pj.ReservationID).Str("playerId", pj.PlayerID).Msg("controller: join for unknown reservation; expired or finalized")
		return nil
	}
	if err != nil {
		return err
	}
	if prev != "" && prev != alloc.SlotID {
		log.Info().Str("playerId", pj.PlayerID).Str("from", prev).Str("to", alloc.SlotID).Msg("controller: player vacated previous slot")
	}
	log.Info().Str("reservationId", pj.ReservationID).Str("playerId", pj.PlayerID).Int("pending", len(alloc.PendingPlayers)).Msg("controller: party member joined")
	return nil
}

// publish sends an outbound event, retrying transient transport failures.
func (c *Controller) publish(ctx context.Context, t queues.MessageType, payload any) error {
	env, err := queues.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return c.publisher.Publish(ctx, env, nil)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Str("type", string(t)).Msgf("controller: publish failed, attempt: %d", attempt)
		}),
	)
}

// publishFailure publishes a routing-failure event with metrics.
func (c *Controller) publishFailure(ctx context.Context, failure queues.RoutingFailure) error {
	if failure.ReservationID != "" {
		metrics.PartyAllocationsTotal.WithLabelValues("failed").Inc()
	}
	if err := c.publish(ctx, queues.TypeRoutingFailure, failure); err != nil {
		log.Error().Err(err).Str("requestId", failure.RequestID).Str("reservationId", failure.ReservationID).Msg("controller: failed to publish failure event")
		return err
	}
	log.Info().Str("requestId", failure.RequestID).Str("reservationId", failure.ReservationID).Str("reason", failure.Reason).Msg("controller: routing failure published")
	return nil
}

func (c *Controller) publishDecision(ctx context.Context, decision queues.RoutingDecision) error {
	if err := c.publish(ctx, queues.TypeRoutingDecision, decision); err != nil {
		log.Error().Err(err).Str("requestId", decision.RequestID).Str("reservationId", decision.ReservationID).Msg("controller: failed to publish routing decision")
		return err
	}
	return nil
}
