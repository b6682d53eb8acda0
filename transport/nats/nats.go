// Package nats provides the core NATS transport. Subscribers join a queue
// group named after the client group, so instances of one service share the
// work while different services each receive every message.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/sagaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the nats transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// connectionOptions names the connection after the client id so it can be
// told apart in server monitoring.
func connectionOptions(cfg transport.Config) []nc.Option {
	opts := []nc.Option{nc.MaxReconnects(-1)}
	if id := cfg.GetClientID(); id != "" {
		opts = append(opts, nc.Name(id))
	}
	return opts
}

// Build creates a publisher and a queue-group subscriber.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: connectionOptions(cfg),
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: create publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetClientGroup(),
			NatsOptions:      connectionOptions(cfg),
			Unmarshaler:      marshaler,
			JetStream:        jetStream,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats: create subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}
