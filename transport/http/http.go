// Package http provides the HTTP transport. Each message kind is served as
// POST /<kind> on the subscriber address and published to the same path
// below the publisher URL.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sagaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the http transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the publisher and a subscriber whose server starts with the
// first subscription.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")
	if serverAddr == "" || publisherURL == "" {
		return transport.Transport{}, errors.New("http: server address and publisher URL are required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+route(topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http: create publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("http: create subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &routedSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

func route(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

type httpServer interface {
	StartHTTPServer() error
}

// routedSubscriber maps topics to routes and starts the server once a route
// exists.
type routedSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (s *routedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, route(topic))
	if err != nil {
		return nil, err
	}
	s.start.Do(func() {
		server, ok := s.Subscriber.(httpServer)
		if !ok {
			return
		}
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return ch, nil
}
