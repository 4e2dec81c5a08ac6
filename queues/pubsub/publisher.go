package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"fleet-registry/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

type Publisher struct {
	projectID string
	topicName string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, topicName, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, topicName: topicName, credsFile: credsFile}
}

func (p *Publisher) init(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile)
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.topicName).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.topicName)
	log.Info().Str("topic", p.topicName).Msg("pubsub publisher initialized")
	return p.topic, nil
}

// Publish sends env and waits for the server ack. The message type is copied into the
// "type" attribute so subscribers can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, env *queues.Envelope, attrs map[string]string) error {
	topic, err := p.init(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal envelope")
		return err
	}
	attributes := map[string]string{"type": string(env.Type)}
	for k, v := range attrs {
		attributes[k] = v
	}
	r := topic.Publish(ctx, &gpubsub.Message{Data: b, Attributes: attributes})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Str("topic", p.topicName).Msg("failed to publish envelope")
		return err
	}
	log.Debug().Str("messageID", id).Str("type", string(env.Type)).Str("topic", p.topicName).Msg("published envelope")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
