package provisioning

import (
	"context"

	"fleet-registry/metrics"
	"fleet-registry/queues"

	"github.com/rs/zerolog/log"
)

// PubSubDispatcher publishes commands as provision-slot envelopes. The target host is set in
// the serverId attribute so hosts can subscribe with a filter on their own id.
type PubSubDispatcher struct {
	publisher queues.Publisher
}

func NewPubSubDispatcher(p queues.Publisher) *PubSubDispatcher {
	return &PubSubDispatcher{publisher: p}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	env, err := queues.NewEnvelope(queues.TypeProvisionSlot, cmd)
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, env, map[string]string{"serverId": cmd.ServerID, "family": cmd.Family}); err != nil {
		metrics.ProvisioningCommandsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ProvisioningCommandsTotal.WithLabelValues("success").Inc()
	log.Info().Str("requestId", cmd.RequestID).Str("serverId", cmd.ServerID).Str("family", cmd.Family).Msg("provisioning: command published")
	return nil
}
