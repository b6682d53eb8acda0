package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

// Subscriber consumes one queue and feeds it into the dispatcher.
type Subscriber interface {
	QueueName() string
	// Start begins consumption. It returns once the transport subscription
	// is established; consumption ends when ctx is cancelled or Stop is
	// called.
	Start(ctx context.Context) error
	// Stop ends consumption and waits for the in-flight message, or until
	// ctx is done.
	Stop(ctx context.Context) error
}

// queueSubscriber runs handler for every message of one queue. A message is
// acked when the handler succeeds and nacked otherwise so the transport can
// redeliver it.
type queueSubscriber struct {
	queue   string
	source  message.Subscriber
	handler message.HandlerFunc
	logger  loggingpkg.ServiceLogger
	stats   *QueueStats

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newQueueSubscriber(queue string, source message.Subscriber, handler message.HandlerFunc, logger loggingpkg.ServiceLogger, stats *QueueStats) *queueSubscriber {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	if stats == nil {
		stats = newQueueStats(queue, nil, nil)
	}
	return &queueSubscriber{
		queue:   queue,
		source:  source,
		handler: handler,
		logger:  logger.With(loggingpkg.LogFields{"queue": queue}),
		stats:   stats,
	}
}

func (s *queueSubscriber) QueueName() string { return s.queue }

func (s *queueSubscriber) Start(ctx context.Context) error {
	if s.source == nil {
		return errspkg.ErrSubscriberRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errspkg.ErrSubscriberRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := s.source.Subscribe(runCtx, s.queue)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(runCtx, ch, s.done)

	s.logger.Info("Subscriber started", nil)
	return nil
}

func (s *queueSubscriber) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

// handle detaches the message from the subscription's cancellation so a
// stop lets the current message finish.
func (s *queueSubscriber) handle(ctx context.Context, msg *message.Message) {
	msg.SetContext(ContextWithQueue(context.WithoutCancel(ctx), s.queue))

	s.stats.begin()
	start := time.Now()
	_, err := s.handler(msg)
	s.stats.finish(time.Since(start), err)

	if err != nil {
		msg.Nack()
		return
	}
	msg.Ack()
}

func (s *queueSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("Subscriber stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the subscriber is consuming.
func (s *queueSubscriber) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}
