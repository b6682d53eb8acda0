package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/sagaflow/internal/runtime/bus"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/messages"
	metricspkg "github.com/drblury/sagaflow/internal/runtime/metrics"
	"github.com/drblury/sagaflow/internal/runtime/outbox"
	"github.com/drblury/sagaflow/internal/runtime/registry"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/internal/runtime/serializer"
	"github.com/drblury/sagaflow/persistence"
	_ "github.com/drblury/sagaflow/persistence/memory"
	"github.com/drblury/sagaflow/transport"
)

// DefaultShutdownTimeout bounds the drain performed by Run.
const DefaultShutdownTimeout = 30 * time.Second

// ServiceDependencies holds optional collaborators. Nil fields fall back to
// what the configuration selects.
type ServiceDependencies struct {
	// Transport replaces the transport built from Config.PubSubSystem.
	Transport         *transport.Transport
	TransportRegistry *transport.Registry
	// Store replaces the backend built from Config.PersistenceSystem. A
	// store passed here is not closed by Service.Close.
	Store               persistence.Store
	PersistenceRegistry *persistence.Registry

	Serializer *serializer.KindSerializer
	Validator  Validator

	Middlewares               []MiddlewareRegistration // Appended after the default chain.
	DisableDefaultMiddlewares bool
	JobHooks                  JobHooks
	ErrorClassifier           ErrorClassifier

	// MetricsRegisterer defaults to prometheus.DefaultRegisterer. When it is
	// a *prometheus.Registry the metrics endpoint serves that registry.
	MetricsRegisterer prometheus.Registerer
}

// Service hosts sagas: it dispatches inbound messages to them, exposes the
// client bus and runs the outbox loops.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	infoMu sync.RWMutex
	info   configpkg.SystemInfo

	publisher     message.Publisher
	subscriber    message.Subscriber
	transportCaps transport.Capabilities
	store         persistence.Store
	ownsStore     bool

	serializer *serializer.KindSerializer
	encoder    *bus.Encoder
	bus        *bus.OutboxBus
	dispatcher *Dispatcher
	metrics    *metricspkg.Metrics
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	env        saga.Env

	registerMu sync.Mutex
	runners    atomic.Pointer[registry.Registry[saga.Runner]]

	chainMu         sync.Mutex
	middlewares     []message.HandlerMiddleware
	middlewareNames []string

	classifier ErrorClassifier
	resources  *resourceTracker
	statsMu    sync.Mutex
	stats      map[string]*QueueStats

	subscribers *SubscriberManager
	processor   *outbox.Processor
	cleaner     *outbox.Cleaner

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server

	lifecycleMu sync.Mutex
	started     bool
}

// NewService wires a Service from conf. Register sagas before calling Start;
// later registrations go through AddSagas.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	info := conf.SystemInfo(ids.NewMessageID())
	log = log.With(loggingpkg.LogFields{
		"client_id":    info.ClientID,
		"client_group": info.ClientGroup,
	})
	log.Info("Creating saga service", loggingpkg.LogFields{
		"pubsub_system":      conf.PubSubSystem,
		"persistence_system": conf.GetPersistenceSystem(),
		"publish_only":       info.PublishOnly,
		"config":             conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		info:       info,
		serializer: deps.Serializer,
		classifier: deps.ErrorClassifier,
		resources:  newResourceTracker(),
		stats:      make(map[string]*QueueStats),
		httpMuxes:  make(map[int]*http.ServeMux),
	}
	if s.serializer == nil {
		s.serializer = serializer.New()
	}
	if s.classifier == nil {
		s.classifier = DefaultErrorClassifier
	}
	s.initMetrics(deps.MetricsRegisterer)
	s.runners.Store(registry.NewBuilder[saga.Runner]().Build())

	if err := s.initTransport(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.initStore(ctx, deps); err != nil {
		_ = s.closeTransport()
		return nil, err
	}

	s.encoder = bus.NewEncoder(s.serializer, info.ClientID)
	s.bus = bus.NewOutboxBus(s.encoder, s.store)
	s.env = saga.Env{
		Store:   s.store,
		Encoder: s.encoder,
		Retry: saga.RetryPolicy{
			MaxAttempts:     conf.GetSagaRetryMaxAttempts(),
			InitialInterval: conf.GetSagaRetryInitialInterval(),
			MaxInterval:     conf.GetSagaRetryMaxInterval(),
		},
		ConflictAttempts: conf.GetStateConflictMaxAttempts(),
		Logger:           log,
	}
	s.dispatcher = NewDispatcher(s.runners.Load, s.serializer, log, DispatcherOptions{
		Validator: deps.Validator,
		Metrics:   s.metrics,
	})

	var err error
	s.processor, err = outbox.NewProcessor(s.store, s.publisher, log, outbox.ProcessorOptions{
		PollInterval: conf.GetOutboxPollInterval(),
		BatchSize:    conf.GetOutboxBatchSize(),
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.cleaner, err = outbox.NewCleaner(s.store, log, outbox.CleanerOptions{
		Interval:  conf.GetOutboxCleanupInterval(),
		Retention: conf.GetOutboxRetention(),
		Metrics:   s.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.subscribers = NewSubscriberManager(s.newSubscriber, info.PublishOnly, log)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

func (s *Service) initMetrics(registerer prometheus.Registerer) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.registerer = registerer
	s.gatherer = prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	s.metrics = metricspkg.New(registerer)
}

func (s *Service) initTransport(ctx context.Context, deps ServiceDependencies) error {
	reg := deps.TransportRegistry
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	caps, capsKnown := reg.LookupCapabilities(s.Conf.PubSubSystem)
	s.transportCaps = caps

	var tr transport.Transport
	if deps.Transport != nil {
		tr = *deps.Transport
	} else {
		var err error
		if tr, err = reg.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger)); err != nil {
			return fmt.Errorf("build transport: %w", err)
		}
	}
	if tr.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil && !s.info.PublishOnly {
		return errspkg.ErrSubscriberRequired
	}
	if capsKnown && !caps.Redelivers() && !s.info.PublishOnly {
		s.Logger.Info("Transport does not redeliver failed messages, only saga retries apply", loggingpkg.LogFields{
			"transport": caps.Name,
		})
	}

	if s.Conf.MetricsEnabled {
		builder := metrics.NewPrometheusMetricsBuilder(s.registerer, "sagaflow", s.Conf.PubSubSystem)
		pub, err := builder.DecoratePublisher(tr.Publisher)
		if err != nil {
			return fmt.Errorf("decorate publisher: %w", err)
		}
		tr.Publisher = pub
		if tr.Subscriber != nil {
			sub, err := builder.DecorateSubscriber(tr.Subscriber)
			if err != nil {
				return fmt.Errorf("decorate subscriber: %w", err)
			}
			tr.Subscriber = sub
		}
	}

	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	return nil
}

func (s *Service) initStore(ctx context.Context, deps ServiceDependencies) error {
	if deps.Store != nil {
		s.store = deps.Store
		return nil
	}
	reg := deps.PersistenceRegistry
	if reg == nil {
		reg = persistence.DefaultRegistry
	}
	store, err := reg.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("build persistence: %w", err)
	}
	s.store = store
	s.ownsStore = true
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, deps.Middlewares...)
	if !deps.JobHooks.empty() {
		registrations = append(registrations, JobHooksMiddleware(deps.JobHooks))
	}

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Info returns the current system info.
func (s *Service) Info() configpkg.SystemInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Bus is the client-side bus. Messages are appended to the outbox and
// delivered by the processor.
func (s *Service) Bus() bus.Bus { return s.bus }

// Publish is shorthand for Bus().Publish.
func (s *Service) Publish(ctx context.Context, msg messages.Message) error {
	return s.bus.Publish(ctx, msg)
}

// Send is shorthand for Bus().Send.
func (s *Service) Send(ctx context.Context, msg messages.Message) error {
	return s.bus.Send(ctx, msg)
}

// TransportCapabilities describes the configured transport.
func (s *Service) TransportCapabilities() transport.Capabilities { return s.transportCaps }

// Store returns the persistence backend.
func (s *Service) Store() persistence.Store { return s.store }

// Serializer returns the serializer shared by the bus and the dispatcher.
func (s *Service) Serializer() *serializer.KindSerializer { return s.serializer }

// Metrics returns the service metrics.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Registry returns the current saga registry.
func (s *Service) Registry() *registry.Registry[saga.Runner] { return s.runners.Load() }

// Register adds sagas. A saga kind that is already registered with the same
// descriptor is skipped, as is a saga declaring no message kinds. A kind
// reused by a different definition, or a message kind mapped to two Go types,
// fails the whole batch. On a started service use AddSagas so their queues
// are subscribed.
func (s *Service) Register(sagas ...saga.Saga) error {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	builder := registry.From(s.runners.Load())
	types := make(map[string]reflect.Type)
	var added []saga.Saga
	for _, sg := range sagas {
		if sg == nil {
			return errspkg.ErrSagaKindRequired
		}
		if err := sg.Validate(); err != nil {
			return err
		}
		desc := sg.Descriptor()
		if entry, ok := builder.Lookup(desc.SagaKind); ok {
			if !sameDescriptor(entry.Descriptor, desc) {
				return fmt.Errorf("%w: %s", errspkg.ErrSagaAlreadyRegistered, desc.SagaKind)
			}
			s.Logger.Debug("Saga already registered, skipping", loggingpkg.LogFields{"saga_kind": desc.SagaKind})
			continue
		}
		if len(desc.MessageKinds()) == 0 {
			s.Logger.Info("Saga declares no message kinds, skipping", loggingpkg.LogFields{"saga_kind": desc.SagaKind})
			continue
		}
		for kind, factory := range sg.Prototypes() {
			if err := s.checkMessageType(types, kind, factory); err != nil {
				return fmt.Errorf("saga %s: %w", desc.SagaKind, err)
			}
		}
		builder.Register(desc, sg.NewRunner(s.env))
		added = append(added, sg)
	}
	if len(added) == 0 {
		return nil
	}
	for _, sg := range added {
		for kind, factory := range sg.Prototypes() {
			s.serializer.Register(kind, factory)
		}
	}
	s.runners.Store(builder.Build())

	for _, sg := range added {
		desc := sg.Descriptor()
		s.Logger.Info("Saga registered", loggingpkg.LogFields{
			"saga_kind":  desc.SagaKind,
			"state_kind": desc.StateKind,
			"starts":     desc.Starts,
			"handles":    desc.Handles,
		})
	}
	return nil
}

// checkMessageType rejects a message kind already bound to another Go type,
// either by the serializer or earlier in the same batch.
func (s *Service) checkMessageType(batch map[string]reflect.Type, kind string, factory func() any) error {
	typ := reflect.TypeOf(factory())
	existing, ok := batch[kind]
	if !ok {
		existing, ok = s.serializer.TypeOf(kind)
	}
	if ok && existing != typ {
		return fmt.Errorf("%w: %s is %v, got %v", errspkg.ErrMessageKindTypeConflict, kind, existing, typ)
	}
	batch[kind] = typ
	return nil
}

func sameDescriptor(a, b registry.Descriptor) bool {
	return a.SagaKind == b.SagaKind &&
		a.StateKind == b.StateKind &&
		slices.Equal(a.Starts, b.Starts) &&
		slices.Equal(a.Handles, b.Handles)
}

// AddSagas registers sagas on a live service and subscribes the queues that
// were not consumed yet. It returns the newly started queues.
func (s *Service) AddSagas(ctx context.Context, sagas ...saga.Saga) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Register(sagas...); err != nil {
		return nil, err
	}
	added, err := s.subscribers.StartAdded(s.queues())
	if len(added) > 0 {
		s.Logger.Info("Subscribers added", loggingpkg.LogFields{"queues": added})
	}
	return added, err
}

// Reconfigure switches publish-only mode on a live service.
func (s *Service) Reconfigure(ctx context.Context, publishOnly bool) error {
	s.infoMu.Lock()
	s.info.PublishOnly = publishOnly
	s.infoMu.Unlock()
	return s.subscribers.SetPublishOnly(ctx, publishOnly, s.queues())
}

// Queues lists the queues currently consumed.
func (s *Service) Queues() []string { return s.subscribers.Queues() }

// queues lists every queue the registered sagas need.
func (s *Service) queues() []string {
	return s.runners.Load().MessageKinds()
}

func (s *Service) newSubscriber(queue string) Subscriber {
	return newQueueSubscriber(queue, s.subscriber, s.chain(s.dispatch), s.Logger, s.queueStats(queue))
}

func (s *Service) dispatch(msg *message.Message) ([]*message.Message, error) {
	_, err := s.dispatcher.Dispatch(msg)
	return nil, err
}

func (s *Service) queueStats(queue string) *QueueStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[queue]
	if !ok {
		st = newQueueStats(queue, s.classifier, s.resources)
		s.stats[queue] = st
	}
	return st
}

// ProcessOutbox runs one outbox delivery pass.
func (s *Service) ProcessOutbox(ctx context.Context) (outbox.PassResult, error) {
	return s.processor.ProcessOnce(ctx)
}

// CleanOutbox runs one cleaner pass.
func (s *Service) CleanOutbox(ctx context.Context) (int64, error) {
	return s.cleaner.CleanOnce(ctx)
}

// Start starts the outbox loops, the subscribers of every registered queue
// and the HTTP endpoints. It does not block.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errspkg.ErrServiceAlreadyStarted
	}

	if s.Conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if s.Conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	}
	if s.Conf.IntrospectionPort > 0 {
		s.registerIntrospection(s.Conf.IntrospectionPort)
	}

	if err := s.processor.Start(ctx); err != nil {
		return err
	}
	if err := s.cleaner.Start(ctx); err != nil {
		return errors.Join(err, s.processor.Stop(ctx))
	}
	if err := s.subscribers.Start(ctx, s.queues()); err != nil {
		return errors.Join(err, s.stopLocked(ctx))
	}
	s.startHTTPServers()
	s.started = true

	s.Logger.Info("Saga service started", loggingpkg.LogFields{
		"queues":       s.subscribers.Queues(),
		"publish_only": s.Info().PublishOnly,
	})
	return nil
}

// Run starts the service, blocks until ctx is cancelled and then stops it,
// allowing DefaultShutdownTimeout for the drain.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop drains the subscribers first so their staged messages reach the
// outbox, then stops the outbox loops and the HTTP endpoints.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	err := s.stopLocked(ctx)
	s.Logger.Info("Saga service stopped", nil)
	return err
}

func (s *Service) stopLocked(ctx context.Context) error {
	return errors.Join(
		s.subscribers.Stop(ctx),
		s.processor.Stop(ctx),
		s.cleaner.Stop(ctx),
		s.stopHTTPServers(ctx),
	)
}

// Close releases the transport and, when the service built it, the store.
func (s *Service) Close() error {
	errs := []error{s.closeTransport()}
	if s.ownsStore && s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// closeTransport closes both sides. Transports sharing one pub/sub value
// tolerate the second Close.
func (s *Service) closeTransport() error {
	return transport.Transport{Publisher: s.publisher, Subscriber: s.subscriber}.Close()
}

// RegisterHTTPHandler mounts handler on the server listening on port. All
// servers start with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	mux, ok := s.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	ports := make([]int, 0, len(s.httpMuxes))
	for port := range s.httpMuxes {
		ports = append(ports, port)
	}
	slices.Sort(ports)

	for _, port := range ports {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.httpMuxes[port],
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.httpServers = append(s.httpServers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpMu.Lock()
	servers := s.httpServers
	s.httpServers = nil
	s.httpMuxes = make(map[int]*http.ServeMux)
	s.httpMu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
