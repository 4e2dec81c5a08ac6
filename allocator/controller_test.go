package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-registry/errs"
	"fleet-registry/fleet"
	"fleet-registry/identifier"
	"fleet-registry/provisioning"
	"fleet-registry/queues"
	"fleet-registry/routing"
	"fleet-registry/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu   sync.Mutex
	err  error
	envs []*queues.Envelope
}

func (m *mockPublisher) Publish(_ context.Context, env *queues.Envelope, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.envs = append(m.envs, env)
	return nil
}

func (m *mockPublisher) decisions(t *testing.T) []queues.RoutingDecision {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queues.RoutingDecision
	for _, env := range m.envs {
		if env.Type != queues.TypeRoutingDecision {
			continue
		}
		var d queues.RoutingDecision
		require.NoError(t, env.Decode(&d))
		out = append(out, d)
	}
	return out
}

func (m *mockPublisher) failures(t *testing.T) []queues.RoutingFailure {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queues.RoutingFailure
	for _, env := range m.envs {
		if env.Type != queues.TypeRoutingFailure {
			continue
		}
		var f queues.RoutingFailure
		require.NoError(t, env.Decode(&f))
		out = append(out, f)
	}
	return out
}

type mockDispatcher struct {
	mu   sync.Mutex
	cmds []provisioning.Command
}

func (m *mockDispatcher) Dispatch(_ context.Context, cmd provisioning.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	return nil
}

type harness struct {
	ctrl   *Controller
	reg    *fleet.Registry
	routes *routing.Store
	pub    *mockPublisher
	prov   *mockDispatcher
}

func testSettings() Settings {
	return Settings{
		StaleThreshold:        10 * time.Second,
		DeadThreshold:         30 * time.Second,
		DeadRetention:         time.Hour,
		InFlightTimeout:       10 * time.Second,
		MaxRouteAttempts:      2,
		PartyDeadline:         30 * time.Second,
		ProvisionCooldown:     time.Minute,
		DispatchInterval:      10 * time.Millisecond,
		LivenessInterval:      10 * time.Millisecond,
		PruneInterval:         10 * time.Millisecond,
		InFlightSweepInterval: 10 * time.Millisecond,
		PartySweepInterval:    10 * time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv := memory.New()
	t.Cleanup(func() { _ = kv.Close() })
	h := &harness{
		reg:    fleet.NewRegistry(kv, fleet.NewTracker(kv)),
		routes: routing.NewStore(kv),
		pub:    &mockPublisher{},
		prov:   &mockDispatcher{},
	}
	h.ctrl = NewController(h.reg, h.routes, h.pub, h.prov, testSettings())
	return h
}

func envelope(t *testing.T, typ queues.MessageType, payload any) *queues.Envelope {
	t.Helper()
	env, err := queues.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

// server registers a server of family through its first heartbeat and returns its id.
func (h *harness) server(t *testing.T, family string, capacity int) identifier.ID {
	t.Helper()
	id, err := identifier.New(1)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Handle(context.Background(), envelope(t, queues.TypeHeartbeat, queues.Heartbeat{
		EntityID:        id.String(),
		Role:            "server",
		Family:          family,
		Address:         "10.0.0.7",
		Port:            25565,
		Capacity:        capacity,
		TimestampMillis: time.Now().UnixMilli(),
	})))
	return id
}

func (h *harness) request(t *testing.T, requestID, playerID, family string) {
	t.Helper()
	require.NoError(t, h.ctrl.Handle(context.Background(), envelope(t, queues.TypeRouteRequest, queues.RouteRequest{
		RequestID:     requestID,
		PlayerID:      playerID,
		FamilyID:      family,
		OriginProxyID: "proxy-1",
	})))
}

func TestNewController(t *testing.T) {
	pub := &mockPublisher{}
	kv := memory.New()
	reg := fleet.NewRegistry(kv, fleet.NewTracker(kv))
	routes := routing.NewStore(kv)

	tests := []struct {
		name string
		prov provisioning.Dispatcher
	}{
		{name: "with provisioner", prov: &mockDispatcher{}},
		{name: "without provisioner", prov: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := NewController(reg, routes, pub, tt.prov, testSettings())
			require.NotNil(t, ctrl)
			assert.Equal(t, queues.Publisher(pub), ctrl.publisher)
			assert.Equal(t, tt.prov, ctrl.provisioner)
			assert.NotNil(t, ctrl.queue)
		})
	}
}

func TestHandle_Heartbeat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 8)

	e, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusAvailable, e.Status)
	assert.Equal(t, 8, e.Capacity)

	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeHeartbeat, queues.Heartbeat{
		EntityID: id.String(), Role: "server", Family: "mini", Capacity: 8, PlayerCount: 3,
		TimestampMillis: time.Now().Add(time.Second).UnixMilli(),
	})))
	e, err = h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, e.PlayerCount)
	assert.Equal(t, 5, e.FreeCapacity())
}

func TestHandle_HeartbeatLegacyID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	hb := queues.Heartbeat{EntityID: "proxy-150", Role: "proxy", Address: "10.0.0.2", Port: 25577}

	for range 2 {
		hb.TimestampMillis = time.Now().UnixMilli()
		require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeHeartbeat, hb)))
	}

	proxies, err := h.reg.List(ctx, fleet.StatusAvailable)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.Equal(t, 50, proxies[0].ID.InstanceID)
}

func TestHandle_Invalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, _ := identifier.New(2)

	tests := []struct {
		name string
		env  *queues.Envelope
	}{
		{"unknown role", envelope(t, queues.TypeHeartbeat, queues.Heartbeat{EntityID: id.String(), Role: "lobby", Family: "mini"})},
		{"blank entity", envelope(t, queues.TypeHeartbeat, queues.Heartbeat{Role: "server", Family: "mini"})},
		{"route without player", envelope(t, queues.TypeRouteRequest, queues.RouteRequest{RequestID: "r1", FamilyID: "mini"})},
		{"confirm without request", envelope(t, queues.TypeRouteConfirm, queues.RouteConfirm{})},
		{"party without tokens", envelope(t, queues.TypePartyRequest, queues.PartyRequest{ReservationID: "res", FamilyID: "mini"})},
		{"outbound type", envelope(t, queues.TypeRoutingDecision, queues.RoutingDecision{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ctrl.Handle(ctx, tt.env)
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}
}

func TestDispatchOnce_AssignsUntilFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 2)
	h.request(t, "r1", "p1", "mini")
	h.request(t, "r2", "p2", "mini")
	h.request(t, "r3", "p3", "mini")
	// redelivery of a queued request is ignored
	h.request(t, "r1", "p1", "mini")

	res, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Assigned)
	assert.Equal(t, 1, res.Waiting)

	decisions := h.pub.decisions(t)
	require.Len(t, decisions, 2)
	assert.Equal(t, "r1", decisions[0].RequestID)
	assert.Equal(t, id.String(), decisions[0].AssignedSlotID)
	assert.Equal(t, "10.0.0.7", decisions[0].AssignedServerAddress)
	assert.Equal(t, 25565, decisions[0].AssignedPort)
	assert.Equal(t, "proxy-1", decisions[0].OriginProxyID)

	require.Len(t, h.prov.cmds, 1)
	assert.Equal(t, id.String(), h.prov.cmds[0].ServerID)
	assert.Equal(t, "mini", h.prov.cmds[0].Family)
	assert.Equal(t, "r3", h.prov.cmds[0].RequestID)

	// cooldown suppresses a second command
	_, err = h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, h.prov.cmds, 1)

	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeRouteConfirm, queues.RouteConfirm{RequestID: "r1"})))
	slot, ok, err := h.routes.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id.String(), slot)

	reserved, err := h.routes.Reserved(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, 1, reserved)

	// confirming twice is harmless
	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeRouteConfirm, queues.RouteConfirm{RequestID: "r1"})))
}

func TestDispatchOnce_ConfirmedPlayerHoldsCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 1)
	beat := func(players int, at time.Time) {
		require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeHeartbeat, queues.Heartbeat{
			EntityID: id.String(), Role: "server", Family: "mini", Capacity: 1, PlayerCount: players,
			TimestampMillis: at.UnixMilli(),
		})))
	}

	h.request(t, "r1", "p1", "mini")
	res, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Assigned)
	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeRouteConfirm, queues.RouteConfirm{RequestID: "r1"})))

	// the server has not reported p1 yet
	h.request(t, "r2", "p2", "mini")
	res, err = h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Assigned)
	assert.Equal(t, 1, res.Waiting)

	beat(1, time.Now().Add(time.Second))
	arrivals, err := h.routes.Arrivals(ctx)
	require.NoError(t, err)
	assert.Empty(t, arrivals)
	res, err = h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Assigned)

	beat(0, time.Now().Add(2*time.Second))
	res, err = h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)
	decisions := h.pub.decisions(t)
	require.Len(t, decisions, 2)
	assert.Equal(t, "r2", decisions[1].RequestID)
	assert.Equal(t, id.String(), decisions[1].AssignedSlotID)
}

func TestDispatchOnce_PrefersUntriedServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.server(t, "mini", 4)
	b := h.server(t, "mini", 4)
	h.request(t, "r1", "p1", "mini")

	_, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	first := h.pub.decisions(t)[0].AssignedSlotID

	h.ctrl.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, h.ctrl.SweepInFlight(ctx))

	_, err = h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	decisions := h.pub.decisions(t)
	require.Len(t, decisions, 2)
	assert.NotEqual(t, first, decisions[1].AssignedSlotID)
	assert.ElementsMatch(t, []string{a.String(), b.String()}, []string{first, decisions[1].AssignedSlotID})
}

func TestDispatchOnce_ProvisionsOnAnotherFamilyHost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	host := h.server(t, "mini", 4)
	h.request(t, "r1", "p1", "duels")

	res, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Waiting)
	require.Len(t, h.prov.cmds, 1)
	assert.Equal(t, host.String(), h.prov.cmds[0].ServerID)
	assert.Equal(t, "duels", h.prov.cmds[0].Family)

	n, err := h.routes.QueueLength(ctx, "duels")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandle_RouteCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 1)
	h.request(t, "r1", "p1", "mini")
	_, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)
	h.request(t, "r2", "p2", "mini")

	tests := []struct {
		name string
		rc   queues.RouteCancel
	}{
		{"queued", queues.RouteCancel{RequestID: "r2"}},
		{"in flight", queues.RouteCancel{RequestID: "r1", FamilyID: "mini"}},
		{"unknown", queues.RouteCancel{RequestID: "r9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypeRouteCancel, tt.rc)))
		})
	}

	n, err := h.routes.QueueLength(ctx, "mini")
	require.NoError(t, err)
	assert.Zero(t, n)
	route, err := h.routes.GetInFlightRoute(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, route)
	reserved, err := h.routes.Reserved(ctx, id.String())
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func TestHandle_PartyLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 4)
	party := queues.PartyRequest{
		ReservationID: "res-1",
		PartyID:       "party-1",
		FamilyID:      "mini",
		OriginProxyID: "proxy-1",
		MemberTokens:  map[string]string{"a": "ta", "b": "tb", "c": "tc"},
	}

	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypePartyRequest, party)))
	decisions := h.pub.decisions(t)
	require.Len(t, decisions, 1)
	assert.Equal(t, "res-1", decisions[0].ReservationID)
	assert.Equal(t, id.String(), decisions[0].AssignedSlotID)
	assert.Equal(t, 25565, decisions[0].AssignedPort)

	reserved, err := h.routes.Reserved(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, 3, reserved)

	// redelivery repeats the decision without a second allocation
	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypePartyRequest, party)))
	assert.Len(t, h.pub.decisions(t), 2)
	reserved, _ = h.routes.Reserved(ctx, id.String())
	assert.Equal(t, 3, reserved)

	err = h.ctrl.Handle(ctx, envelope(t, queues.TypePartyJoin, queues.PartyJoin{ReservationID: "res-1", PlayerID: "a", Token: "wrong"}))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypePartyJoin, queues.PartyJoin{ReservationID: "res-1", PlayerID: "a", Token: "ta"})))
	slot, ok, err := h.routes.GetActiveSlot(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id.String(), slot)

	// unknown reservations are nothing to do
	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypePartyJoin, queues.PartyJoin{ReservationID: "res-9", PlayerID: "a"})))

	h.ctrl.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, h.ctrl.SweepParties(ctx))
	failures := h.pub.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "res-1", failures[0].ReservationID)
	assert.Equal(t, ReasonPartyExpired, failures[0].Reason)
	assert.Equal(t, "proxy-1", failures[0].OriginProxyID)

	reserved, err = h.routes.Reserved(ctx, id.String())
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func TestHandle_PartyWithoutCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.server(t, "mini", 2)

	require.NoError(t, h.ctrl.Handle(ctx, envelope(t, queues.TypePartyRequest, queues.PartyRequest{
		ReservationID: "res-1",
		FamilyID:      "mini",
		MemberTokens:  map[string]string{"a": "ta", "b": "tb", "c": "tc"},
	})))
	assert.Empty(t, h.pub.decisions(t))
	failures := h.pub.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, ReasonNoCapacity, failures[0].Reason)
	assert.Len(t, h.prov.cmds, 1)

	alloc, err := h.routes.GetPartyAllocation(ctx, "res-1")
	require.NoError(t, err)
	assert.Nil(t, alloc)
}

func TestSweepInFlight_PublishesTerminalFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ctrl.settings.MaxRouteAttempts = 1
	id := h.server(t, "mini", 2)
	h.request(t, "r1", "p1", "mini")
	_, err := h.ctrl.DispatchOnce(ctx)
	require.NoError(t, err)

	h.ctrl.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, h.ctrl.SweepInFlight(ctx))

	failures := h.pub.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, "r1", failures[0].RequestID)
	assert.Equal(t, ReasonAttemptsExhausted, failures[0].Reason)
	assert.Equal(t, 1, failures[0].Attempts)

	n, err := h.routes.QueueLength(ctx, "mini")
	require.NoError(t, err)
	assert.Zero(t, n)
	reserved, err := h.routes.Reserved(ctx, id.String())
	require.NoError(t, err)
	assert.Zero(t, reserved)
}

func TestSweepLiveness_DetachesPlayersOfDeadServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.server(t, "mini", 2)
	_, err := h.routes.SetActiveSlot(ctx, "p1", id.String())
	require.NoError(t, err)

	h.ctrl.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, h.ctrl.SweepLiveness(ctx))

	e, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusDead, e.Status)
	_, ok, err := h.routes.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_publishFailure(t *testing.T) {
	tests := []struct {
		name    string
		failure queues.RoutingFailure
		pubErr  error
		wantErr bool
	}{
		{name: "successful publish", failure: queues.RoutingFailure{RequestID: "r1", Reason: "test error"}},
		{name: "publish error", failure: queues.RoutingFailure{RequestID: "r1", Reason: "test error"}, pubErr: errors.New("unavailable"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &Controller{publisher: &mockPublisher{err: tt.pubErr}}
			err := ctrl.publishFailure(context.Background(), tt.failure)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.server(t, "mini", 2)
	h.request(t, "r1", "p1", "mini")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, h.ctrl.Run(ctx))
	assert.NotEmpty(t, h.pub.decisions(t))
}
