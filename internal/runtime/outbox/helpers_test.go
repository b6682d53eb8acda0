package outbox

import (
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/memory"
	"github.com/drblury/sagaflow/persistence/persistencetest"
)

type published struct {
	topic string
	msg   *message.Message
}

type testPublisher struct {
	mu       sync.Mutex
	messages []published
	failFor  map[string]bool
	// block, when set, is waited on inside Publish after entered is closed.
	entered chan struct{}
	block   chan struct{}
}

func (p *testPublisher) Publish(topic string, msgs ...*message.Message) error {
	if p.block != nil {
		close(p.entered)
		<-p.block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[topic] {
		return errors.New("broker unavailable")
	}
	for _, m := range msgs {
		p.messages = append(p.messages, published{topic: topic, msg: m})
	}
	return nil
}

func (p *testPublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

func (p *testPublisher) setFail(topic string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor == nil {
		p.failFor = make(map[string]bool)
	}
	p.failFor[topic] = fail
}

func newStore(clock *persistencetest.Clock) *memory.Store {
	return memory.New(memory.Options{LockTimeout: time.Minute, Now: clock.Now})
}

func newClock() *persistencetest.Clock {
	return persistencetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func entry(id, kind string) persistence.OutboxMessage {
	msg := persistencetest.NewMessage(id)
	msg.Kind = kind
	return msg
}
