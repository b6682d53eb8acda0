package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sagaflow/internal/runtime/bus"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	"github.com/drblury/sagaflow/internal/runtime/metadata"
	"github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/internal/runtime/registry"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	"github.com/drblury/sagaflow/persistence/memory"
	"github.com/drblury/sagaflow/transport"
)

type orderPlaced struct {
	messages.Base
	Total int `json:"total" validate:"gte=0"`
}

func (orderPlaced) MessageKind() string { return "orders.placed" }

type orderShipped struct {
	messages.Base
}

func (orderShipped) MessageKind() string { return "orders.shipped" }

type shipOrder struct {
	messages.Base
}

func (shipOrder) MessageKind() string { return "shipping.ship_order" }

type orderState struct {
	saga.StateBase
	Total int `json:"total"`
}

type shippingState struct {
	saga.StateBase
	Shipped bool `json:"shipped"`
}

type auditState struct {
	saga.StateBase
	Seen int `json:"seen"`
}

// newOrderSaga is started by orders.placed, sends shipping.ship_order and
// completes on orders.shipped.
func newOrderSaga(t *testing.T) *saga.Definition[*orderState] {
	t.Helper()
	def := saga.NewDefinition("orders", func(string) *orderState { return &orderState{} })
	require.NoError(t, saga.StartedBy(def, func(ctx context.Context, inst *saga.Instance[*orderState], msg *orderPlaced) error {
		inst.State.Total = msg.Total
		return inst.Send(ctx, &shipOrder{Base: messages.NewBase(msg.CorrelationID)})
	}))
	require.NoError(t, saga.Handles(def, func(_ context.Context, inst *saga.Instance[*orderState], _ *orderShipped) error {
		inst.MarkAsCompleted()
		return nil
	}))
	return def.WithRetryPolicy(saga.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
}

// newShippingSaga is started by shipping.ship_order and publishes
// orders.shipped.
func newShippingSaga(t *testing.T) *saga.Definition[*shippingState] {
	t.Helper()
	def := saga.NewDefinition("shipping", func(string) *shippingState { return &shippingState{} })
	require.NoError(t, saga.StartedBy(def, func(ctx context.Context, inst *saga.Instance[*shippingState], msg *shipOrder) error {
		inst.State.Shipped = true
		inst.MarkAsCompleted()
		return inst.Publish(ctx, &orderShipped{Base: messages.NewBase(msg.CorrelationID)})
	}))
	return def
}

// newAuditSaga also starts on orders.placed. fail makes every run fail.
func newAuditSaga(t *testing.T, fail bool) *saga.Definition[*auditState] {
	t.Helper()
	def := saga.NewDefinition("audit", func(string) *auditState { return &auditState{} })
	require.NoError(t, saga.StartedBy(def, func(_ context.Context, inst *saga.Instance[*auditState], _ *orderPlaced) error {
		if fail {
			return saga.Permanent(errors.New("audit log unavailable"))
		}
		inst.State.Seen++
		return nil
	}))
	return def
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:          "channel",
		ClientID:              "test-client",
		OutboxPollInterval:    10 * time.Millisecond,
		OutboxCleanupInterval: time.Hour,
		SagaRetryMaxAttempts:  1,
	}
}

type testEnv struct {
	svc    *Service
	pubSub *gochannel.GoChannel
	store  *memory.Store
}

// newTestService builds a Service on an in-memory transport and store. The
// default middleware chain is disabled; tests add what they need.
func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) testEnv {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 16}, watermill.NopLogger{})
	store := memory.New(memory.Options{})

	deps.Transport = &transport.Transport{Publisher: pubSub, Subscriber: pubSub}
	deps.Store = store
	deps.DisableDefaultMiddlewares = true
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}

	svc, err := NewService(conf, loggingpkg.NopLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
		_ = svc.Close()
	})
	return testEnv{svc: svc, pubSub: pubSub, store: store}
}

// newTestDispatcher registers sagas on a fresh registry and serializer.
func newTestDispatcher(t *testing.T, store saga.Store, opts DispatcherOptions, sagas ...saga.Saga) (*Dispatcher, *bus.Encoder) {
	t.Helper()
	ser := serializer.New()
	enc := bus.NewEncoder(ser, "test-client")
	env := saga.Env{Store: store, Encoder: enc, Retry: saga.NoRetry()}

	builder := registry.NewBuilder[saga.Runner]()
	for _, sg := range sagas {
		require.True(t, builder.Register(sg.Descriptor(), sg.NewRunner(env)))
		for kind, factory := range sg.Prototypes() {
			ser.Register(kind, factory)
		}
	}
	reg := builder.Build()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return NewDispatcher(func() *registry.Registry[saga.Runner] { return reg }, ser, loggingpkg.NopLogger(), opts), enc
}

// inbound encodes msg the way the outbox processor would deliver it.
func inbound(t *testing.T, enc *bus.Encoder, msg messages.Message) *message.Message {
	t.Helper()
	entry, err := enc.Encode(context.Background(), msg)
	require.NoError(t, err)
	out := message.NewMessage(entry.ID, entry.Payload)
	out.Metadata = metadata.ToWatermill(entry.Metadata)
	out.SetContext(context.Background())
	return out
}

func loadState(t *testing.T, store persistence.StateStore, sagaKind, correlationID string) persistence.StateRecord {
	t.Helper()
	rec, err := store.LoadState(context.Background(), sagaKind, correlationID)
	require.NoError(t, err)
	return rec
}

func stateCompleted(store persistence.StateStore, sagaKind, correlationID string) func() bool {
	return func() bool {
		rec, err := store.LoadState(context.Background(), sagaKind, correlationID)
		return err == nil && rec.Completed
	}
}

// fakeSubscriber hands out channels the test writes into.
type fakeSubscriber struct {
	mu     sync.Mutex
	queues map[string]chan *message.Message
	err    error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{queues: make(map[string]chan *message.Message)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.channel(topic), nil
}

func (f *fakeSubscriber) channel(topic string) chan *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.queues[topic]
	if !ok {
		ch = make(chan *message.Message, 8)
		f.queues[topic] = ch
	}
	return ch
}

func (f *fakeSubscriber) Close() error { return nil }

// recordingPublisher captures poison queue output.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range msgs {
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// fakeQueue is a Subscriber recording its lifecycle.
type fakeQueue struct {
	name     string
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (f *fakeQueue) QueueName() string { return f.name }

func (f *fakeQueue) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeQueue) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeQueue) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeQueues struct {
	mu      sync.Mutex
	created map[string]*fakeQueue
	failing map[string]bool
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{created: make(map[string]*fakeQueue), failing: make(map[string]bool)}
}

func (f *fakeQueues) factory(queue string) Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &fakeQueue{name: queue}
	if f.failing[queue] {
		q.startErr = errors.New("subscribe failed")
	}
	f.created[queue] = q
	return q
}

func (f *fakeQueues) get(queue string) *fakeQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[queue]
}

func (f *fakeQueues) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
	err    error
}

// recordingLogger shares one entry slice across children.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]loggedEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]loggedEntry{}}
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, loggedEntry{level: level, msg: msg, fields: merged, err: err})
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) all() []loggedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loggedEntry(nil), *r.entries...)
}
