package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
)

func TestQueueSubscriberAcksOnSuccess(t *testing.T) {
	source := newFakeSubscriber()
	var seenQueue string
	sub := newQueueSubscriber("orders.placed", source, func(msg *message.Message) ([]*message.Message, error) {
		seenQueue = QueueFromContext(msg.Context())
		return nil, nil
	}, nil, nil)

	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop(context.Background()) })

	msg := message.NewMessage("m-1", nil)
	source.channel("orders.placed") <- msg

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("message was not acked")
	}
	assert.Equal(t, "orders.placed", seenQueue)

	snap := sub.stats.Snapshot()
	assert.EqualValues(t, 1, snap.MessagesProcessed)
	assert.Zero(t, snap.MessagesFailed)
}

func TestQueueSubscriberNacksOnError(t *testing.T) {
	source := newFakeSubscriber()
	sub := newQueueSubscriber("orders.placed", source, func(*message.Message) ([]*message.Message, error) {
		return nil, errors.New("boom")
	}, nil, nil)

	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop(context.Background()) })

	msg := message.NewMessage("m-1", nil)
	source.channel("orders.placed") <- msg

	select {
	case <-msg.Nacked():
	case <-time.After(time.Second):
		t.Fatal("message was not nacked")
	}
	assert.Eventually(t, func() bool {
		return sub.stats.Snapshot().MessagesFailed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueueSubscriberStartTwice(t *testing.T) {
	sub := newQueueSubscriber("orders.placed", newFakeSubscriber(), func(*message.Message) ([]*message.Message, error) {
		return nil, nil
	}, nil, nil)

	require.NoError(t, sub.Start(context.Background()))
	assert.ErrorIs(t, sub.Start(context.Background()), errspkg.ErrSubscriberRunning)
	assert.True(t, sub.Running())

	require.NoError(t, sub.Stop(context.Background()))
	assert.False(t, sub.Running())
	assert.NoError(t, sub.Stop(context.Background()))
}

func TestQueueSubscriberRequiresSource(t *testing.T) {
	sub := newQueueSubscriber("orders.placed", nil, nil, nil, nil)
	assert.ErrorIs(t, sub.Start(context.Background()), errspkg.ErrSubscriberRequired)
}

func TestQueueSubscriberSubscribeError(t *testing.T) {
	source := newFakeSubscriber()
	source.err = errors.New("broker unavailable")
	sub := newQueueSubscriber("orders.placed", source, nil, nil, nil)

	assert.EqualError(t, sub.Start(context.Background()), "broker unavailable")
	assert.False(t, sub.Running())
}

func TestQueueSubscriberStopDrainsInFlightMessage(t *testing.T) {
	source := newFakeSubscriber()
	entered := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	sub := newQueueSubscriber("orders.placed", source, func(msg *message.Message) ([]*message.Message, error) {
		close(entered)
		<-release
		handlerCtxErr = msg.Context().Err()
		return nil, nil
	}, nil, nil)
	require.NoError(t, sub.Start(context.Background()))

	msg := message.NewMessage("m-1", nil)
	source.channel("orders.placed") <- msg
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- sub.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
	assert.NoError(t, handlerCtxErr)
	select {
	case <-msg.Acked():
	default:
		t.Fatal("drained message was not acked")
	}
}

func TestQueueSubscriberStopHonoursDeadline(t *testing.T) {
	source := newFakeSubscriber()
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := newQueueSubscriber("orders.placed", source, func(*message.Message) ([]*message.Message, error) {
		close(entered)
		<-release
		return nil, nil
	}, nil, nil)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { close(release) })

	source.channel("orders.placed") <- message.NewMessage("m-1", nil)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sub.Stop(ctx), context.DeadlineExceeded)
}

func TestSubscriberManagerStartsEveryQueue(t *testing.T) {
	queues := newFakeQueues()
	m := NewSubscriberManager(queues.factory, false, nil)

	require.NoError(t, m.Start(context.Background(), []string{"b", "a"}))
	assert.Equal(t, []string{"a", "b"}, m.Queues())
	assert.True(t, queues.get("a").isRunning())
	assert.True(t, queues.get("b").isRunning())

	assert.ErrorIs(t, m.Start(context.Background(), []string{"a"}), errspkg.ErrSubscriberRunning)
}

func TestSubscriberManagerStartAddedOnlyStartsNewQueues(t *testing.T) {
	queues := newFakeQueues()
	m := NewSubscriberManager(queues.factory, false, nil)

	added, err := m.StartAdded([]string{"a"})
	require.NoError(t, err)
	assert.Empty(t, added, "nothing starts before Start")

	require.NoError(t, m.Start(context.Background(), []string{"a"}))
	added, err = m.StartAdded([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, added)
	assert.Equal(t, 1, queues.get("a").starts)
	assert.Equal(t, 3, queues.count())
}

func TestSubscriberManagerReportsFailedQueues(t *testing.T) {
	queues := newFakeQueues()
	queues.failing["b"] = true
	m := NewSubscriberManager(queues.factory, false, nil)

	err := m.Start(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, m.Queues())

	queues.failing["b"] = false
	added, err := m.StartAdded([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, added)
}

func TestSubscriberManagerPublishOnly(t *testing.T) {
	queues := newFakeQueues()
	m := NewSubscriberManager(queues.factory, true, nil)

	require.NoError(t, m.Start(context.Background(), []string{"a"}))
	assert.Empty(t, m.Queues())
	assert.True(t, m.PublishOnly())

	added, err := m.StartAdded([]string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Zero(t, queues.count())

	require.NoError(t, m.SetPublishOnly(context.Background(), false, []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, m.Queues())

	require.NoError(t, m.SetPublishOnly(context.Background(), true, []string{"a", "b"}))
	assert.Empty(t, m.Queues())
	assert.False(t, queues.get("a").isRunning())
	assert.Equal(t, 1, queues.get("b").stops)
}

func TestSubscriberManagerStop(t *testing.T) {
	queues := newFakeQueues()
	m := NewSubscriberManager(queues.factory, false, nil)
	require.NoError(t, m.Start(context.Background(), []string{"a", "b"}))

	require.NoError(t, m.Stop(context.Background()))
	assert.Empty(t, m.Queues())
	assert.False(t, queues.get("a").isRunning())
	assert.False(t, queues.get("b").isRunning())

	// A stopped manager can be started again.
	require.NoError(t, m.Start(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"a"}, m.Queues())
}
