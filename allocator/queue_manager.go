package allocator

import (
	"context"

	"fleet-registry/metrics"
	"fleet-registry/routing"
)

// QueueManager is the controller's view of the shared family queues. The queues themselves
// live in the routing store so every registry instance sees the same order.
type QueueManager struct {
	routes *routing.Store
}

func NewQueueManager(routes *routing.Store) *QueueManager {
	return &QueueManager{routes: routes}
}

// Enqueue adds a request to the tail of its family queue and returns its 1-based position.
func (qm *QueueManager) Enqueue(ctx context.Context, req routing.Request) (int, error) {
	entry, err := qm.routes.EnqueuePlayer(ctx, req.FamilyID, routing.QueueEntry{Request: req})
	if err != nil {
		return 0, err
	}
	pos, _, err := qm.GetPosition(ctx, req.FamilyID, entry.Request.RequestID)
	return pos, err
}

// GetPosition returns the 1-based position of requestID in family's queue.
func (qm *QueueManager) GetPosition(ctx context.Context, family, requestID string) (int, bool, error) {
	entries, err := qm.routes.ListQueued(ctx, family)
	if err != nil {
		return 0, false, err
	}
	for i, e := range entries {
		if e.Request.RequestID == requestID {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// RemoveFromQueue drops a waiting request. An empty family searches every queue.
func (qm *QueueManager) RemoveFromQueue(ctx context.Context, family, requestID string) (bool, error) {
	families := []string{family}
	if family == "" {
		var err error
		if families, err = qm.routes.Families(ctx); err != nil {
			return false, err
		}
	}
	for _, f := range families {
		removed, err := qm.routes.RemoveQueued(ctx, f, requestID)
		if err != nil {
			return false, err
		}
		if removed != nil {
			return true, nil
		}
	}
	return false, nil
}

func (qm *QueueManager) GetQueueLength(ctx context.Context, family string) (int, error) {
	return qm.routes.QueueLength(ctx, family)
}

// GetAllQueues returns the depth of every family queue and publishes it as a gauge.
func (qm *QueueManager) GetAllQueues(ctx context.Context) (map[string]int, error) {
	families, err := qm.routes.Families(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]int, len(families))
	for _, f := range families {
		n, err := qm.routes.QueueLength(ctx, f)
		if err != nil {
			return nil, err
		}
		snapshot[f] = n
		metrics.QueueDepth.WithLabelValues(f).Set(float64(n))
	}
	return snapshot, nil
}
