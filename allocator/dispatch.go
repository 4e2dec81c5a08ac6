package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleet-registry/errs"
	"fleet-registry/fleet"
	"fleet-registry/identifier"
	"fleet-registry/metrics"
	"fleet-registry/provisioning"
	"fleet-registry/queues"
	"fleet-registry/routing"

	"github.com/rs/zerolog/log"
)

// maxAssignPerFamily bounds the work a single dispatch pass does for one family.
const maxAssignPerFamily = 64

// candidate is a server with the capacity left after outstanding reservations. free already
// discounts players confirmed since the server's last load report.
type candidate struct {
	entity    fleet.Entity
	free      int
	remaining int
}

// candidates returns the AVAILABLE servers of family that can take need more players, the
// ones with the most room first.
func (c *Controller) candidates(ctx context.Context, family string, need int) ([]candidate, error) {
	servers, err := c.registry.Available(ctx, family)
	if err != nil {
		return nil, err
	}
	reserved, err := c.routes.AllReserved(ctx)
	if err != nil {
		return nil, err
	}
	arrivals, err := c.routes.Arrivals(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(servers))
	for _, e := range servers {
		free := max(e.FreeCapacity()-arrivals[e.ID.String()], 0)
		remaining := free - reserved[e.ID.String()]
		if remaining >= need {
			out = append(out, candidate{entity: e, free: free, remaining: remaining})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].remaining != out[j].remaining {
			return out[i].remaining > out[j].remaining
		}
		return out[i].entity.ID.Compare(out[j].entity.ID) < 0
	})
	return out, nil
}

// DispatchOnce assigns waiting requests to servers, family by family, until every queue is
// empty or its head finds no capacity. Heads with no capacity stay queued and trigger a
// provisioning command.
func (c *Controller) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds()) }()

	families, err := c.routes.Families(ctx)
	if err != nil {
		return res, err
	}
	var failures []error
	for _, family := range families {
		if err := c.dispatchFamily(ctx, family, &res); err != nil {
			failures = append(failures, fmt.Errorf("family %s: %w", family, err))
		}
	}
	if _, err := c.queue.GetAllQueues(ctx); err != nil {
		failures = append(failures, err)
	}
	return res, errors.Join(failures...)
}

func (c *Controller) dispatchFamily(ctx context.Context, family string, res *DispatchResult) error {
	for range maxAssignPerFamily {
		var chosen fleet.Entity
		choose := func(ctx context.Context, e routing.QueueEntry) (routing.Candidate, bool, error) {
			cands, err := c.candidates(ctx, family, 1)
			if err != nil || len(cands) == 0 {
				return routing.Candidate{}, false, err
			}
			pick := cands[0]
			for _, cand := range cands {
				if !e.Attempted(cand.entity.ID.String()) {
					pick = cand
					break
				}
			}
			chosen = pick.entity
			return routing.Candidate{SlotID: pick.entity.ID.String(), Free: pick.free}, true, nil
		}

		route, head, err := c.routes.AssignHead(ctx, family, choose)
		if errors.Is(err, routing.ErrAlreadyInFlight) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}
		if route == nil {
			res.Waiting++
			c.requestProvisioning(ctx, family, head.Request.VariantID, head.Request.RequestID)
			return nil
		}

		res.Assigned++
		metrics.RouteDuration.Observe((time.Duration(route.AssignedAtMillis-head.EnqueuedAtMillis) * time.Millisecond).Seconds())
		log.Info().
			Str("requestId", head.Request.RequestID).
			Str("playerId", head.Request.PlayerID).
			Str("slotId", route.AssignedSlotID).
			Int("attempts", head.Attempts).
			Msg("controller: route assigned")
		// an unpublished decision times out and is requeued by the in-flight sweep
		_ = c.publishDecision(ctx, queues.RoutingDecision{
			RequestID:             head.Request.RequestID,
			PlayerID:              head.Request.PlayerID,
			OriginProxyID:         head.Request.OriginProxyID,
			AssignedSlotID:        route.AssignedSlotID,
			AssignedServerAddress: chosen.Address,
			AssignedPort:          chosen.Port,
		})
	}
	return nil
}

// handlePartyRequest places a whole party on one server. Parties do not wait: without
// capacity the request fails at once and a provisioning command is sent.
func (c *Controller) handlePartyRequest(ctx context.Context, pr queues.PartyRequest) error {
	if pr.ReservationID == "" || pr.FamilyID == "" || len(pr.MemberTokens) == 0 {
		return fmt.Errorf("%w: reservationId, familyId and memberTokens are required", errs.ErrInvalidArgument)
	}
	existing, err := c.routes.GetPartyAllocation(ctx, pr.ReservationID)
	if err != nil {
		return err
	}
	if existing != nil {
		// redelivery: repeat the decision
		return c.publishPartyDecision(ctx, pr, *existing)
	}

	cands, err := c.partyCandidates(ctx, pr)
	if err != nil {
		return err
	}
	snapshot := routing.ReservationSnapshot{
		ReservationID:  pr.ReservationID,
		PartyID:        pr.PartyID,
		FamilyID:       pr.FamilyID,
		VariantID:      pr.VariantID,
		TargetServerID: pr.TargetServerID,
		OriginProxyID:  pr.OriginProxyID,
		Tokens:         pr.MemberTokens,
	}
	for _, cand := range cands {
		alloc, ok, err := c.routes.AllocateParty(ctx, routing.PartyAllocation{
			Reservation: snapshot,
			SlotID:      cand.entity.ID.String(),
			TeamLabel:   pr.TeamLabel,
			Metadata:    pr.Metadata,
		}, cand.free)
		if errors.Is(err, routing.ErrDuplicateReservation) {
			log.Debug().Str("reservationId", pr.ReservationID).Msg("controller: party already allocated by a concurrent handler")
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		log.Info().Str("reservationId", pr.ReservationID).Str("slotId", alloc.SlotID).Int("members", len(pr.MemberTokens)).Msg("controller: party allocated")
		return c.publishPartyDecision(ctx, pr, alloc)
	}

	reason := ReasonNoCapacity
	if pr.TargetServerID != "" {
		reason = ReasonTargetUnavailable
	}
	c.requestProvisioning(ctx, pr.FamilyID, pr.VariantID, pr.ReservationID)
	return c.publishFailure(ctx, queues.RoutingFailure{ReservationID: pr.ReservationID, OriginProxyID: pr.OriginProxyID, Reason: reason})
}

func (c *Controller) partyCandidates(ctx context.Context, pr queues.PartyRequest) ([]candidate, error) {
	cands, err := c.candidates(ctx, pr.FamilyID, len(pr.MemberTokens))
	if err != nil || pr.TargetServerID == "" {
		return cands, err
	}
	target, err := identifier.ParseOrLegacy(pr.TargetServerID)
	if err != nil {
		return nil, err
	}
	for _, cand := range cands {
		if cand.entity.ID.Equal(target) {
			return []candidate{cand}, nil
		}
	}
	return nil, nil
}

func (c *Controller) publishPartyDecision(ctx context.Context, pr queues.PartyRequest, alloc routing.PartyAllocation) error {
	decision := queues.RoutingDecision{
		ReservationID:  pr.ReservationID,
		OriginProxyID:  pr.OriginProxyID,
		AssignedSlotID: alloc.SlotID,
	}
	if id, err := identifier.Parse(alloc.SlotID); err == nil {
		if e, err := c.registry.Get(ctx, id); err == nil {
			decision.AssignedServerAddress = e.Address
			decision.AssignedPort = e.Port
		}
	}
	return c.publishDecision(ctx, decision)
}

// requestProvisioning asks a host of family for a new slot, at most once per cooldown per
// family. Failures are logged; the request keeps waiting either way.
func (c *Controller) requestProvisioning(ctx context.Context, family, variant, requestID string) {
	if c.provisioner == nil {
		log.Warn().Str("family", family).Str("requestId", requestID).Msg("controller: no capacity and no provisioner configured")
		return
	}
	now := c.now()
	c.mu.Lock()
	if last, ok := c.lastProvision[family]; ok && now.Sub(last) < c.settings.ProvisionCooldown {
		c.mu.Unlock()
		return
	}
	c.lastProvision[family] = now
	c.mu.Unlock()

	host, ok, err := c.provisioningHost(ctx, family)
	if err != nil || !ok {
		log.Warn().Err(err).Str("family", family).Msg("controller: no host available to provision a slot")
		return
	}
	cmd := provisioning.Command{
		RequestID: requestID,
		ServerID:  host.ID.String(),
		Family:    family,
		Variant:   variant,
		Metadata:  map[string]string{"reason": ReasonNoCapacity},
	}
	if err := c.provisioner.Dispatch(ctx, cmd); err != nil {
		log.Error().Err(err).Str("family", family).Str("serverId", cmd.ServerID).Msg("controller: provisioning dispatch failed")
	}
}

// provisioningHost picks the least loaded AVAILABLE server of family, or of any family when
// family has none.
func (c *Controller) provisioningHost(ctx context.Context, family string) (fleet.Entity, bool, error) {
	hosts, err := c.registry.Available(ctx, family)
	if err != nil {
		return fleet.Entity{}, false, err
	}
	if len(hosts) == 0 {
		all, err := c.registry.List(ctx, fleet.StatusAvailable)
		if err != nil {
			return fleet.Entity{}, false, err
		}
		for _, e := range all {
			if e.Role.Routable() {
				hosts = append(hosts, e)
			}
		}
	}
	if len(hosts) == 0 {
		return fleet.Entity{}, false, nil
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].PlayerCount != hosts[j].PlayerCount {
			return hosts[i].PlayerCount < hosts[j].PlayerCount
		}
		return hosts[i].ID.Compare(hosts[j].ID) < 0
	})
	return hosts[0], true, nil
}
