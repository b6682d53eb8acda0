package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

// SubscriberFactory builds the subscriber of one queue.
type SubscriberFactory func(queue string) Subscriber

// SubscriberManager owns the set of running subscribers. Subscribers are
// identified by queue name; starting a queue twice is a no-op.
type SubscriberManager struct {
	factory SubscriberFactory
	logger  loggingpkg.ServiceLogger

	mu          sync.Mutex
	started     bool
	publishOnly bool
	ctx         context.Context
	running     map[string]Subscriber
}

// NewSubscriberManager returns a stopped manager.
func NewSubscriberManager(factory SubscriberFactory, publishOnly bool, logger loggingpkg.ServiceLogger) *SubscriberManager {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &SubscriberManager{
		factory:     factory,
		publishOnly: publishOnly,
		logger:      logger.With(loggingpkg.LogFields{"component": "subscribers"}),
		running:     make(map[string]Subscriber),
	}
}

// Start starts one subscriber per queue. In publish-only mode nothing is
// started, but the manager still counts as started so a later
// SetPublishOnly(false) can bring the subscribers up.
func (m *SubscriberManager) Start(ctx context.Context, queues []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errspkg.ErrSubscriberRunning
	}
	m.started = true
	m.ctx = ctx
	if m.publishOnly {
		m.logger.Info("Publish-only mode, no subscribers started", nil)
		return nil
	}
	_, err := m.startLocked(queues)
	return err
}

// StartAdded starts the subscribers of queues that are not running yet and
// returns their names. Before Start, or in publish-only mode, it starts
// nothing.
func (m *SubscriberManager) StartAdded(queues []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.publishOnly {
		return nil, nil
	}
	return m.startLocked(queues)
}

func (m *SubscriberManager) startLocked(queues []string) ([]string, error) {
	var (
		added []string
		errs  []error
	)
	for _, queue := range queues {
		if _, ok := m.running[queue]; ok {
			continue
		}
		sub := m.factory(queue)
		if err := sub.Start(m.ctx); err != nil {
			errs = append(errs, err)
			m.logger.Error("Failed to start subscriber", err, loggingpkg.LogFields{"queue": queue})
			continue
		}
		m.running[queue] = sub
		added = append(added, queue)
	}
	return added, errors.Join(errs...)
}

// Stop stops every running subscriber concurrently and waits for their
// drain.
func (m *SubscriberManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = false
	return m.stopLocked(ctx)
}

func (m *SubscriberManager) stopLocked(ctx context.Context) error {
	var g errgroup.Group
	for _, sub := range m.running {
		g.Go(func() error {
			return sub.Stop(ctx)
		})
	}
	clear(m.running)
	return g.Wait()
}

// SetPublishOnly toggles publish-only mode. Turning it on stops every
// subscriber; turning it off starts queues on a started manager.
func (m *SubscriberManager) SetPublishOnly(ctx context.Context, publishOnly bool, queues []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishOnly == publishOnly {
		return nil
	}
	m.publishOnly = publishOnly
	if !m.started {
		return nil
	}
	if publishOnly {
		m.logger.Info("Switching to publish-only mode", nil)
		return m.stopLocked(ctx)
	}
	m.logger.Info("Leaving publish-only mode", nil)
	_, err := m.startLocked(queues)
	return err
}

// PublishOnly reports the current mode.
func (m *SubscriberManager) PublishOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishOnly
}

// Queues lists the running queues in sorted order.
func (m *SubscriberManager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for queue := range m.running {
		out = append(out, queue)
	}
	slices.Sort(out)
	return out
}
