package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pick(slot string, free int) func(context.Context, QueueEntry) (Candidate, bool, error) {
	return func(context.Context, QueueEntry) (Candidate, bool, error) {
		return Candidate{SlotID: slot, Free: free}, true, nil
	}
}

func TestAssignHead_AndConfirm(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.EnqueuePlayer(ctx, "f", entry("r1", "p1"))
	require.NoError(t, err)

	route, head, err := s.AssignHead(ctx, "f", pick("s1", 4))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "r1", head.Request.RequestID)
	assert.Equal(t, "s1", route.AssignedSlotID)
	assert.Equal(t, 1, route.Reserved)

	n, err := s.QueueLength(ctx, "f")
	require.NoError(t, err)
	assert.Zero(t, n)
	reserved, err := s.Reserved(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, reserved)

	_, err = s.SetActiveSlot(ctx, "p1", "s0")
	require.NoError(t, err)

	confirmed, prev, err := s.ConfirmRoute(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.Equal(t, "s0", prev)

	slot, ok, err := s.GetActiveSlot(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", slot)

	reserved, err = s.Reserved(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, reserved)

	// the confirmed player holds its unit until a later load report counts it
	arrivals, err := s.Arrivals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"s1": 1}, arrivals)

	settled, err := s.SettleArrivals(ctx, "s1", t0.Add(-time.Second).UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, settled)
	settled, err = s.SettleArrivals(ctx, "s1", t0.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	arrivals, err = s.Arrivals(ctx)
	require.NoError(t, err)
	assert.Empty(t, arrivals)

	confirmed, _, err = s.ConfirmRoute(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, confirmed)
}

func TestAssignHead_NoCandidateLeavesEntryQueued(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	route, head, err := s.AssignHead(ctx, "f", pick("s1", 1))
	require.NoError(t, err)
	assert.Nil(t, route)
	assert.Nil(t, head)

	_, err = s.EnqueuePlayer(ctx, "f", entry("r1", "p1"))
	require.NoError(t, err)

	route, head, err = s.AssignHead(ctx, "f", func(context.Context, QueueEntry) (Candidate, bool, error) {
		return Candidate{}, false, nil
	})
	require.NoError(t, err)
	assert.Nil(t, route)
	require.NotNil(t, head)

	n, err := s.QueueLength(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAssignHead_RespectsReservations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, id := range []string{"r1", "r2"} {
		_, err := s.EnqueuePlayer(ctx, "f", entry(id, "p"+id))
		require.NoError(t, err)
	}
	route, _, err := s.AssignHead(ctx, "f", pick("s1", 1))
	require.NoError(t, err)
	require.NotNil(t, route)

	_, _, err = s.AssignHead(ctx, "f", pick("s1", 1))
	assert.ErrorIs(t, err, ErrContention)

	n, err := s.QueueLength(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepInFlight_RequeueThenFail(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	timeout := 10 * time.Second

	_, err := s.EnqueuePlayer(ctx, "f", entry("r1", "p1"))
	require.NoError(t, err)
	_, err = s.EnqueuePlayer(ctx, "f", entry("r2", "p2"))
	require.NoError(t, err)
	_, _, err = s.AssignHead(ctx, "f", pick("s1", 4))
	require.NoError(t, err)

	out, err := s.SweepInFlight(ctx, t0.Add(5*time.Second), timeout, 2)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.SweepInFlight(ctx, t0.Add(timeout), timeout, 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Requeued)
	assert.Equal(t, ReasonTimeout, out[0].Reason)
	assert.Equal(t, 1, out[0].Route.Context.Attempts)

	head, err := s.PeekPlayer(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "r1", head.Request.RequestID)
	assert.Equal(t, []string{"s1"}, head.AttemptedServerIDs)
	assert.Equal(t, ReasonTimeout, head.LastFailureReason)

	reserved, err := s.Reserved(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, reserved)

	_, _, err = s.AssignHead(ctx, "f", pick("s2", 4))
	require.NoError(t, err)
	out, err = s.SweepInFlight(ctx, t0.Add(timeout), timeout, 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Requeued)
	assert.Equal(t, []string{"s1", "s2"}, out[0].Route.Context.AttemptedServerIDs)

	queued, err := s.ListQueued(ctx, "f")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "r2", queued[0].Request.RequestID)

	routes, err := s.ListInFlightRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)

	_, err = s.SweepInFlight(ctx, t0, 0, 2)
	assert.Error(t, err)
}

func TestSweepInFlight_RaceWithCancel(t *testing.T) {
	ctx := context.Background()

	for range 20 {
		s := newStore(t)
		_, err := s.EnqueuePlayer(ctx, "f", entry("r1", "p1"))
		require.NoError(t, err)
		_, _, err = s.AssignHead(ctx, "f", pick("s1", 4))
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelled *InFlightRoute
			swept     []SweepOutcome
			cErr      error
			sErr      error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				cancelled, cErr = s.CancelRoute(ctx, "r1")
				if !errors.Is(cErr, ErrContention) {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			swept, sErr = s.SweepInFlight(ctx, t0.Add(time.Minute), time.Second, 3)
		}()
		wg.Wait()
		require.NoError(t, cErr)
		require.NoError(t, sErr)

		winners := len(swept)
		if cancelled != nil {
			winners++
		}
		assert.Equal(t, 1, winners)

		queued, err := s.QueueLength(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, len(swept), queued)

		reserved, err := s.Reserved(ctx, "s1")
		require.NoError(t, err)
		assert.Zero(t, reserved)
	}
}
