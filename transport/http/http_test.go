package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/transport"
	"github.com/drblury/sagaflow/transport/transporttest"
)

func stubFactories(t *testing.T, pub message.Publisher, sub message.Subscriber) *watermillhttp.PublisherConfig {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var captured watermillhttp.PublisherConfig
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		captured = cfg
		return pub, nil
	}
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, nil
	}
	return &captured
}

func validConfig() *transporttest.Config {
	return &transporttest.Config{HTTPServerAddress: ":8080", HTTPPublisherURL: "http://orders.internal:8080/"}
}

func TestRegister(t *testing.T) {
	reg := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = reg })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.HTTPCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuildRoutesTopicsUnderPublisherURL(t *testing.T) {
	pubCfg := stubFactories(t, &transporttest.Publisher{}, &transporttest.Subscriber{})

	_, err := Build(context.Background(), validConfig(), watermill.NopLogger{})
	require.NoError(t, err)

	req, err := pubCfg.MarshalMessageFunc("orders.placed", message.NewMessage("m1", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, "http://orders.internal:8080/orders.placed", req.URL.String())
}

func TestSubscribePrefixesRoute(t *testing.T) {
	sub := &transporttest.Subscriber{}
	stubFactories(t, &transporttest.Publisher{}, sub)

	tr, err := Build(context.Background(), validConfig(), watermill.NopLogger{})
	require.NoError(t, err)

	_, err = tr.Subscriber.Subscribe(context.Background(), "orders.placed")
	require.NoError(t, err)
	_, err = tr.Subscriber.Subscribe(context.Background(), "/orders.shipped")
	require.NoError(t, err)
	assert.Equal(t, []string{"/orders.placed", "/orders.shipped"}, sub.Subscribed())

	require.NoError(t, tr.Close())
	assert.True(t, sub.Closed)
}

func TestBuildRequiresAddresses(t *testing.T) {
	stubFactories(t, &transporttest.Publisher{}, &transporttest.Subscriber{})

	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestBuildClosesPublisherWhenSubscriberFails(t *testing.T) {
	pub := &transporttest.Publisher{}
	stubFactories(t, pub, nil)
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("address in use")
	}

	_, err := Build(context.Background(), validConfig(), watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.True(t, pub.Closed)
}
