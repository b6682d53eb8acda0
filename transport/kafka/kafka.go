// Package kafka provides the Kafka transport. Messages are partitioned by
// correlation id so every message of one saga instance lands on the same
// partition and keeps its order.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey keys a message by its correlation id, falling back to the
// message UUID for messages outside any saga.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if id := msg.Metadata.Get(metadata.KeyCorrelationID); id != "" {
		return id, nil
	}
	return msg.UUID, nil
}

// Build creates a publisher and a consumer-group subscriber. Instances that
// share the consumer group compete for messages.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka: create publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka: create subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
