package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Event names carried in PubSubMessage.Event.
const (
	EventLocated   = "located"
	EventBatchItem = "batch_item"
	EventBatchDone = "batch_done"
	EventCancel    = "cancel"
)

// PubSubMessage represents the message structure
type PubSubMessage struct {
	TaskID  string `json:"task_id"`
	Event   string `json:"event,omitempty"`
	Message any    `json:"message,omitempty"`
}

// EventBus publishes lookup events and delivers cancellations.
type EventBus interface {
	Publish(ctx context.Context, msg PubSubMessage) error
	// Subscribe calls fn for messages addressed to taskID until the returned
	// cancel function is called.
	Subscribe(ctx context.Context, taskID string, fn func(PubSubMessage)) (func(), error)
	Close() error
}

type noopEventBus struct{}

func (noopEventBus) Publish(context.Context, PubSubMessage) error { return nil }

func (noopEventBus) Subscribe(context.Context, string, func(PubSubMessage)) (func(), error) {
	return func() {}, nil
}

func (noopEventBus) Close() error { return nil }

// PubSubClient wraps the Google Cloud PubSub client
type PubSubClient struct {
	client       *pubsub.Client
	publisher    *pubsub.Publisher
	subscription string
	log          zerolog.Logger
}

// NewEventBus returns a Pub/Sub backed bus, or a no-op bus when Pub/Sub is
// not configured.
func NewEventBus(ctx context.Context, cfg PubSubConfig, logger zerolog.Logger) (EventBus, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return noopEventBus{}, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	topic := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Topic)
	var subscription string
	if cfg.Subscription != "" {
		subscription = fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.Subscription)
	}

	logger.Info().Str("topic", topic).Str("subscription", subscription).Msg("publishing events to pubsub")

	return &PubSubClient{
		client:       client,
		publisher:    client.Publisher(topic),
		subscription: subscription,
		log:          logger,
	}, nil
}

// Close closes the PubSub client
func (c *PubSubClient) Close() error {
	c.publisher.Stop()
	return c.client.Close()
}

// Publish blocks until the server acknowledges the message.
func (c *PubSubClient) Publish(ctx context.Context, data PubSubMessage) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result := c.publisher.Publish(ctx, &pubsub.Message{Data: jsonData})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe receives messages for taskID. Without a configured subscription
// it never delivers anything.
func (c *PubSubClient) Subscribe(ctx context.Context, taskID string, callback func(data PubSubMessage)) (func(), error) {
	if c.subscription == "" {
		return func() {}, nil
	}
	messageStart := time.Now().Add(-1 * time.Minute)
	subscriber := c.client.Subscriber(c.subscription)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		err := subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			if msg.PublishTime.Before(messageStart) {
				msg.Ack()
				return
			}

			var data PubSubMessage
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.log.Warn().Err(err).Msg("failed to unmarshal message")
				msg.Nack()
				return
			}

			if data.TaskID == taskID {
				callback(data)
				msg.Ack()
				return
			}
			// Leave other tasks' messages for their own receivers.
			msg.Nack()
		})

		if err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Str("task_id", taskID).Msg("subscription error")
		}
	}()

	return cancel, nil
}
