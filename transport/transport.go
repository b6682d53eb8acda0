// Package transport defines how sagaflow obtains its watermill publisher and
// subscriber. Each broker integration (kafka, rabbitmq, nats, aws, http and
// the in-process channel) lives in its own sub-package and registers a
// Builder under the name used by the PubSubSystem config value.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher and subscriber pair a Builder produces. The
// subscriber may be nil for publish-only processes.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides and returns the first error.
func (t Transport) Close() error {
	var first error
	if t.Subscriber != nil {
		first = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. It is satisfied by the
// service configuration without importing it.
type Config interface {
	GetPubSubSystem() string
	GetClientID() string
	// GetClientGroup names the consumer group shared by instances of one
	// service.
	GetClientGroup() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
