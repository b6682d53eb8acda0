// Package outbox runs the two background loops of the outbox: the Processor
// that locks, delivers and releases pending entries, and the Cleaner that
// purges processed entries past their retention.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/logging"
)

// loop runs pass on a ticker until stopped. pass receives a context that is
// not cancelled by Stop, so work in flight can finish, and a stop channel it
// must check between units of work.
type loop struct {
	name     string
	interval time.Duration
	logger   logging.ServiceLogger
	pass     func(ctx context.Context, stop <-chan struct{})

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(ctx context.Context, errRunning error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return errRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		l.run(runCtx)
	}()
	return nil
}

func (l *loop) run(ctx context.Context) {
	l.logger.Info("Outbox loop started", logging.LogFields{"loop": l.name, "interval": l.interval.String()})
	defer l.logger.Info("Outbox loop stopped", logging.LogFields{"loop": l.name})

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.safePass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safePass(ctx)
		}
	}
}

func (l *loop) safePass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Outbox loop pass panicked", fmt.Errorf("panic: %v", r), logging.LogFields{"loop": l.name})
		}
	}()
	l.pass(context.WithoutCancel(ctx), ctx.Done())
}

// stop cancels the loop and waits for the pass in flight.
func (l *loop) stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop outbox %s: %w", l.name, ctx.Err())
	}
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
