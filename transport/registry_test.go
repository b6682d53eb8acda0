package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/transport/transporttest"
)

func stubBuilder(pub *transporttest.Publisher, sub *transporttest.Subscriber) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub, Subscriber: sub}, nil
	}
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	reg.Register("test", stubBuilder(pub, sub))

	tr, err := reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "test"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("kafka", stubBuilder(nil, nil))
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("broker down")
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfigRequired)

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "carrier-pigeon"}, nil)
	require.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), `"carrier-pigeon"`)
	assert.Contains(t, err.Error(), "[failing kafka]")

	_, err = reg.Build(context.Background(), &transporttest.Config{PubSubSystem: "failing"}, nil)
	assert.EqualError(t, err, "broker down")
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("rabbitmq", stubBuilder(nil, nil), RabbitMQCapabilities)

	assert.True(t, reg.Has("rabbitmq"))
	assert.Equal(t, RabbitMQCapabilities, reg.GetCapabilities("rabbitmq"))

	unknown := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", unknown.Name)
	_, ok := reg.LookupCapabilities("unknown")
	assert.False(t, ok)
	caps, ok := reg.LookupCapabilities("rabbitmq")
	assert.True(t, ok)
	assert.Equal(t, "rabbitmq", caps.Name)

	reg.Register("rabbitmq", stubBuilder(&transporttest.Publisher{}, nil))
	assert.Equal(t, RabbitMQCapabilities, reg.GetCapabilities("rabbitmq"))

	reg.Register("plain", stubBuilder(nil, nil))
	_, ok = reg.LookupCapabilities("plain")
	assert.False(t, ok)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())
	for _, name := range []string{"nats", "aws", "kafka"} {
		reg.Register(name, stubBuilder(nil, nil))
	}
	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.RegisterWithCapabilities("channel", stubBuilder(nil, nil), ChannelCapabilities)
				reg.Has("channel")
				reg.Names()
				reg.GetCapabilities("channel")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("channel"))
}

func TestCapabilities(t *testing.T) {
	assert.True(t, ChannelCapabilities.Redelivers())
	assert.True(t, AWSCapabilities.Redelivers())
	assert.False(t, KafkaCapabilities.Redelivers(), "kafka commits offsets and never nacks")
	assert.False(t, HTTPCapabilities.Redelivers())
}

func TestTransportClose(t *testing.T) {
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)

	assert.NoError(t, Transport{Publisher: pub}.Close())
}
