package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/bus"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
)

// DefaultConflictAttempts bounds reload-and-rerun after a version conflict.
const DefaultConflictAttempts = 5

// Store is the persistence a runner needs.
type Store interface {
	persistence.StateStore
	persistence.UnitOfWork
}

// Env carries the dependencies shared by every runner of a service.
type Env struct {
	Store   Store
	Encoder *bus.Encoder
	// Retry applies to sagas without their own policy.
	Retry RetryPolicy
	// ConflictAttempts bounds how often an invocation is rerun after losing
	// a version race.
	ConflictAttempts int
	Logger           logging.ServiceLogger
}

// Result describes one committed or skipped invocation.
type Result struct {
	SagaKind      string
	CorrelationID string
	// Duplicate is set when the message was already handled by this
	// instance; nothing was invoked or written.
	Duplicate bool
	Created   bool
	Completed bool
	Produced  int
	// HandlerAttempts counts handler invocations of the committed run.
	HandlerAttempts int
	// ConflictRetries counts reruns caused by version conflicts.
	ConflictRetries int
}

// Runner executes one (saga kind, message) pairing end to end.
type Runner interface {
	SagaKind() string
	Run(ctx context.Context, msg messages.Message) (Result, error)
}

type runner[S State] struct {
	def              *Definition[S]
	store            Store
	enc              *bus.Encoder
	retry            RetryPolicy
	conflictAttempts int
	logger           logging.ServiceLogger
}

// NewRunner binds the definition to env.
func (d *Definition[S]) NewRunner(env Env) Runner {
	r := &runner[S]{
		def:              d,
		store:            env.Store,
		enc:              env.Encoder,
		retry:            env.Retry,
		conflictAttempts: env.ConflictAttempts,
		logger:           env.Logger,
	}
	if d.retry != nil {
		r.retry = *d.retry
	}
	if r.conflictAttempts < 1 {
		r.conflictAttempts = DefaultConflictAttempts
	}
	if r.enc == nil {
		r.enc = bus.NewEncoder(serializer.New(), "")
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	return r
}

func (r *runner[S]) SagaKind() string { return r.def.kind }

// Run handles msg. Version conflicts rerun the whole invocation against the
// reloaded state; every other failure is returned so the message stays
// unacknowledged.
func (r *runner[S]) Run(ctx context.Context, msg messages.Message) (Result, error) {
	if err := messages.Validate(msg); err != nil {
		return Result{}, err
	}
	kind := messages.KindOf(msg)
	st, ok := r.def.steps[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: saga %s does not handle %s", errspkg.ErrUnknownMessageKind, r.def.kind, kind)
	}
	if !st.accepts(msg) {
		return Result{}, fmt.Errorf("%w: saga %s, kind %s, got %T", errspkg.ErrUnexpectedMessageType, r.def.kind, kind, msg)
	}
	correlationID := msg.GetCorrelationId()
	if correlationID == "" {
		return Result{}, fmt.Errorf("%w: saga %s, message %s", errspkg.ErrCorrelationIDRequired, r.def.kind, msg.GetId())
	}

	log := r.logger.With(logging.LogFields{
		"saga_kind":      r.def.kind,
		"message_kind":   kind,
		"message_id":     msg.GetId(),
		"correlation_id": correlationID,
	})

	for attempt := 1; ; attempt++ {
		res, err := r.runOnce(ctx, st, msg)
		res.SagaKind = r.def.kind
		res.CorrelationID = correlationID
		res.ConflictRetries = attempt - 1
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) || attempt >= r.conflictAttempts {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		log.Debug("Saga state changed concurrently, rerunning", logging.LogFields{"attempt": attempt})
	}
}

func (r *runner[S]) runOnce(ctx context.Context, st *step[S], msg messages.Message) (Result, error) {
	correlationID := msg.GetCorrelationId()

	rec, err := r.store.LoadState(ctx, r.def.kind, correlationID)
	found := err == nil
	switch {
	case found:
	case errors.Is(err, persistence.ErrStateNotFound):
		if !st.starts {
			return Result{}, fmt.Errorf("saga %s, correlation id %s: %w", r.def.kind, correlationID, err)
		}
	default:
		return Result{}, fmt.Errorf("load saga %s state: %w", r.def.kind, err)
	}

	seen, err := r.restore(st, rec, found, msg)
	if err != nil {
		return Result{}, err
	}
	if seen.base().HasProcessed(msg.GetId()) {
		return Result{Duplicate: true, Completed: seen.base().Completed}, nil
	}

	var inst *Instance[S]
	attempts, err := r.retry.execute(ctx, func() error {
		state, err := r.restore(st, rec, found, msg)
		if err != nil {
			return Permanent(err)
		}
		inst = newInstance(state, bus.NewCollector(r.enc))
		return st.run(ctx, inst, msg)
	})
	if err != nil {
		return Result{HandlerAttempts: attempts}, fmt.Errorf("%w: saga %s, message %s after %d attempt(s): %w",
			errspkg.ErrHandlerFailed, r.def.kind, msg.GetId(), attempts, err)
	}

	base := inst.State.base()
	base.ID = correlationID
	base.markProcessed(msg.GetId())
	if inst.completed {
		base.Completed = true
	}

	data, err := serializer.Marshal(inst.State)
	if err != nil {
		return Result{HandlerAttempts: attempts}, fmt.Errorf("serialize saga %s state: %w", r.def.kind, err)
	}
	next := persistence.StateRecord{
		SagaKind:      r.def.kind,
		CorrelationID: correlationID,
		Data:          data,
		Completed:     base.Completed,
		UpdatedAt:     time.Now().UTC(),
	}
	staged := inst.bus.Staged()

	err = r.store.Transact(ctx, func(ctx context.Context, s persistence.Session) error {
		if _, err := s.SaveState(ctx, next, rec.Version); err != nil {
			return err
		}
		for _, out := range staged {
			if err := s.Append(ctx, out); err != nil {
				return fmt.Errorf("stage message %s: %w", out.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{HandlerAttempts: attempts}, fmt.Errorf("commit saga %s: %w", r.def.kind, err)
	}

	return Result{
		Created:         !found,
		Completed:       base.Completed,
		Produced:        len(staged),
		HandlerAttempts: attempts,
	}, nil
}

// restore builds a fresh state value for one handler attempt, so a failed
// attempt cannot leak mutations into the next one.
func (r *runner[S]) restore(st *step[S], rec persistence.StateRecord, found bool, msg messages.Message) (S, error) {
	var state S
	switch {
	case found:
		state = r.def.newState(rec.CorrelationID)
		if isNil(state) {
			return state, fmt.Errorf("%w: saga %s", errspkg.ErrStateFactoryRequired, r.def.kind)
		}
		if err := serializer.Unmarshal(rec.Data, state); err != nil {
			return state, fmt.Errorf("decode saga %s state: %w", r.def.kind, err)
		}
		state.base().Completed = rec.Completed
	case st.newState != nil:
		state = st.newState(msg)
	default:
		state = r.def.newState(msg.GetCorrelationId())
	}
	if isNil(state) {
		return state, fmt.Errorf("%w: saga %s", errspkg.ErrStateFactoryRequired, r.def.kind)
	}
	state.base().ID = msg.GetCorrelationId()
	return state, nil
}
