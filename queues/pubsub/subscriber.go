package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fleet-registry/errs"
	"fleet-registry/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start receives envelopes until ctx is done. Undecodable and invalid messages are acked and
// dropped; handler errors nack the message for redelivery unless the handler rejected the
// payload as an invalid argument.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.Envelope) error) error {
	if s.client == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile)
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	// Receive blocks and fans out internally; it returns when ctx is cancelled
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		var env queues.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal envelope; dropping")
			m.Ack()
			return
		}
		if err := env.Validate(); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("invalid envelope; dropping")
			m.Ack()
			return
		}

		if err := handler(ctx, &env); err != nil {
			if errors.Is(err, errs.ErrInvalidArgument) {
				log.Error().Err(err).Str("type", string(env.Type)).Msg("handler rejected payload; dropping")
				m.Ack()
				return
			}
			log.Error().Err(err).Str("type", string(env.Type)).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("type", string(env.Type)).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}
