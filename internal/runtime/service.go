package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/eventstore/postgres"
	"github.com/drblury/eventcore/eventstore/sqlite"
	"github.com/drblury/eventcore/eventstore/sqlstore"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	"github.com/drblury/eventcore/internal/runtime/envelope"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	"github.com/drblury/eventcore/transport"
	_ "github.com/drblury/eventcore/transport/transports"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to have them built from the configuration.
type ServiceDependencies struct {
	// Store replaces the store opened from the configuration. The caller keeps
	// ownership and closes it.
	Store *sqlstore.Store
	// Transport replaces the transport built through the registry.
	Transport *transport.Transport
	// Registry resolves PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer receives every Prometheus collector when metrics are
	// enabled. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// DeadLetters is added to the sinks built from the configuration.
	DeadLetters eventstore.DeadLetterSink
	// Hooks are attached to every consumer created through the service.
	Hooks JobHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Service wires the event store, the relay, the bus router and the tracking
// processors of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store     *sqlstore.Store
	ownsStore bool
	events    *PublishingStore
	relay     *Relay

	publisher    message.Publisher
	subscriber   message.Subscriber
	capabilities transport.Capabilities
	router       *message.Router

	registerer prometheus.Registerer
	metrics    *DeliveryMetrics
	dlqMetrics *DLQMetrics

	poisonSink eventstore.DeadLetterSink
	hooks      JobHooks

	mu         sync.Mutex
	consumers  map[string]*Consumer
	processors []*TrackingProcessor

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
}

// NewService opens the store, builds the transport and the router, and
// prepares the relay. Register consumers and processors before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	c := conf.WithDefaults()
	validate := c.Validate
	if deps.Store != nil {
		validate = c.ValidateBus
	}
	if err := validate(); err != nil {
		return nil, err
	}

	log = loggingpkg.OrNop(log)
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"store_driver":  c.StoreDriver,
		"pubsub_system": c.PubSubSystem,
		"config":        c.String(),
	})

	s := &Service{
		Conf:       &c,
		Logger:     log,
		hooks:      deps.Hooks,
		consumers:  make(map[string]*Consumer),
		registerer: deps.Registerer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}

	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	if err := s.initStore(ctx, deps.Store); err != nil {
		return nil, err
	}
	if err := s.initTransport(ctx, deps, wmLogger); err != nil {
		s.closeStore()
		return nil, err
	}
	if err := s.initDelivery(deps.DeadLetters); err != nil {
		s.closeTransport()
		s.closeStore()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.PublishTimeout}, wmLogger)
	if err != nil {
		s.closeTransport()
		s.closeStore()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeTransport()
		s.closeStore()
		return nil, err
	}
	if c.MetricsEnabled && c.MetricsPort > 0 {
		s.RegisterHTTPHandler(c.MetricsPort, ConsumerStatsPath, http.HandlerFunc(s.handleConsumerStats))
	}

	return s, nil
}

func (s *Service) initMetrics() error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	s.metrics = NewDeliveryMetrics(s.registerer)
	s.dlqMetrics = NewDLQMetrics(s.registerer)
	return errors.Join(s.metrics.Register(), s.dlqMetrics.Register())
}

func (s *Service) initStore(ctx context.Context, injected *sqlstore.Store) error {
	if injected != nil {
		s.store = injected
		return nil
	}

	tables := sqlstore.DefaultTables()
	if s.Conf.EventsTable != "" {
		tables.Events = s.Conf.EventsTable
	}
	if s.Conf.TokensTable != "" {
		tables.Tokens = s.Conf.TokensTable
	}
	if s.Conf.ProcessedTable != "" {
		tables.Processed = s.Conf.ProcessedTable
	}
	if s.Conf.DeadLetterTable != "" {
		tables.DeadLetters = s.Conf.DeadLetterTable
	}
	opts := []sqlstore.Option{
		sqlstore.WithTables(tables),
		sqlstore.WithBatchSize(s.Conf.BatchSize),
		sqlstore.WithReadTimeout(s.Conf.ReadTimeout),
		sqlstore.WithAppendTimeout(s.Conf.AppendTimeout),
		sqlstore.WithLogger(s.Logger),
	}
	if s.Conf.MetricsEnabled {
		storeMetrics := sqlstore.NewMetrics(s.registerer)
		if err := storeMetrics.Register(); err != nil {
			return err
		}
		opts = append(opts, sqlstore.WithMetrics(storeMetrics))
	}

	var (
		store *sqlstore.Store
		err   error
	)
	switch strings.ToLower(s.Conf.StoreDriver) {
	case configpkg.StorePostgres:
		store, err = postgres.Open(ctx, s.Conf.PostgresURL, opts...)
	default:
		store, err = sqlite.Open(ctx, s.Conf.SQLiteFile, opts...)
	}
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	s.store = store
	s.ownsStore = true
	return nil
}

func (s *Service) initTransport(ctx context.Context, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}

	var tr transport.Transport
	if deps.Transport != nil {
		tr = *deps.Transport
	} else {
		built, err := registry.Build(ctx, s.Conf, wmLogger)
		if err != nil {
			return err
		}
		tr = built
	}
	if tr.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil {
		return errspkg.ErrSubscriberRequired
	}

	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	s.capabilities = registry.GetCapabilities(s.Conf.PubSubSystem)
	if provider, ok := tr.Publisher.(transport.CapabilitiesProvider); ok {
		s.capabilities = provider.Capabilities()
	}
	if !s.capabilities.SupportsReliableDelivery() {
		s.Logger.Info("Transport does not report ack and nack support, retryable failures may not be redelivered", loggingpkg.LogFields{
			"pubsub_system": s.Conf.PubSubSystem,
		})
	}
	return nil
}

// initDelivery builds the dead-letter sinks and the relay. Publish failures
// go to the dead-letter table and DeadLetterTopic; poison messages go to the
// table and PoisonQueue.
func (s *Service) initDelivery(extra eventstore.DeadLetterSink) error {
	table := s.store.DeadLetters()

	publishSinks := MultiSink{table, extra}
	if s.Conf.DeadLetterTopic != "" {
		sink, err := NewTopicDeadLetterSink(s.publisher, s.Conf.DeadLetterTopic)
		if err != nil {
			return err
		}
		publishSinks = append(publishSinks, sink)
	}

	poisonSinks := MultiSink{table, extra}
	if s.Conf.PoisonQueue != "" {
		sink, err := NewTopicDeadLetterSink(s.publisher, s.Conf.PoisonQueue)
		if err != nil {
			return err
		}
		poisonSinks = append(poisonSinks, sink)
	}
	s.poisonSink = poisonSinks

	relayCfg := RelayConfigFromConfig(s.Conf)
	relayCfg.Publisher = s.publisher
	relayCfg.DeadLetters = publishSinks
	relayCfg.Logger = s.Logger
	relayCfg.Metrics = s.metrics
	relayCfg.DLQMetrics = s.dlqMetrics

	relay, err := NewRelay(relayCfg)
	if err != nil {
		return err
	}
	s.relay = relay
	s.events = NewPublishingStore(s.store, relay)
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

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

// EventStore returns the store applications append to. Every committed
// event is handed to the relay.
func (s *Service) EventStore() eventstore.EventStore { return s.events }

// Store returns the underlying SQL store, which also serves as token store
// and idempotency guard.
func (s *Service) Store() *sqlstore.Store { return s.store }

// Relay returns the relay that publishes committed events.
func (s *Service) Relay() *Relay { return s.relay }

// Publisher returns the bus publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber returns the bus subscriber.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Router returns the watermill router the consumers run on.
func (s *Service) Router() *message.Router { return s.router }

// Capabilities reports what the configured transport supports.
func (s *Service) Capabilities() transport.Capabilities { return s.capabilities }

// Metrics returns the delivery metrics, nil when metrics are disabled.
func (s *Service) Metrics() *DeliveryMetrics { return s.metrics }

// DLQMetrics returns the dead-letter metrics, nil when metrics are disabled.
func (s *Service) DLQMetrics() *DLQMetrics { return s.dlqMetrics }

// NewConsumer creates a consumer that uses the service's store as
// idempotency guard and its poison sinks, hooks and metrics. tenantID pins
// the consumer to one tenant; leave it empty to accept every tenant. Asking
// again for an existing name returns that consumer, provided the tenant pin
// is the same.
func (s *Service) NewConsumer(name, tenantID string) (*Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.consumers[name]; ok {
		if existing.cfg.TenantID != tenantID {
			return nil, fmt.Errorf("consumer %s: %w", name, &errspkg.TenantMismatchError{
				Expected: existing.cfg.TenantID,
				Actual:   tenantID,
			})
		}
		return existing, nil
	}
	consumer, err := NewConsumer(ConsumerConfig{
		Name:          name,
		Guard:         s.store,
		SubjectPrefix: s.Conf.SubjectPrefix,
		TenantID:      tenantID,
		DeadLetters:   s.poisonSink,
		Logger:        s.Logger,
		Hooks:         s.hooks,
		Metrics:       s.metrics,
		DLQMetrics:    s.dlqMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.consumers[name] = consumer
	return consumer, nil
}

// Subscribe routes messages of topic to consumer.
func (s *Service) Subscribe(consumer *Consumer, topic string) error {
	if consumer == nil {
		return errspkg.ErrHandlerRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	s.router.AddConsumerHandler(consumer.Name()+"@"+topic, topic, s.subscriber, consumer.HandleMessage)
	return nil
}

// SubscribeTenant routes every event of tenantID to consumer. Transports
// with wildcard support get one <prefix><tenant>.> subscription; the others
// get one subscription per event type the consumer has registered, so
// register handlers first.
func (s *Service) SubscribeTenant(consumer *Consumer, tenantID string) error {
	if consumer == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := eventstore.RequireTenant(tenantID); err != nil {
		return err
	}
	if s.capabilities.SupportsWildcards {
		return s.Subscribe(consumer, envelope.Wildcard(s.Conf.SubjectPrefix, tenantID))
	}

	types := consumer.EventTypes()
	if len(types) == 0 {
		return fmt.Errorf("%w: consumer %s has no handlers", errspkg.ErrHandlerRequired, consumer.Name())
	}
	for _, eventType := range types {
		subject, err := envelope.Subject(s.Conf.SubjectPrefix, tenantID, eventType)
		if err != nil {
			return err
		}
		if err := s.Subscribe(consumer, subject); err != nil {
			return err
		}
	}
	return nil
}

// AddTrackingProcessor creates a processor over the service's store. Store,
// Tokens, Logger and Metrics are filled in; zero BatchSize and PollInterval
// take the configured values. The processor runs as part of Start.
func (s *Service) AddTrackingProcessor(cfg TrackingConfig) (*TrackingProcessor, error) {
	cfg.Store = s.store
	cfg.Tokens = s.store
	if cfg.Logger == nil {
		cfg.Logger = s.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = s.metrics
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = s.Conf.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = s.Conf.PollInterval
	}
	processor, err := NewTrackingProcessor(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.processors = append(s.processors, processor)
	s.mu.Unlock()
	return processor, nil
}

// ReplayDeadLetter publishes the dead letter with the given id again and
// removes it once the publish succeeded.
func (s *Service) ReplayDeadLetter(ctx context.Context, id int64) error {
	return s.store.DeadLetters().Replay(ctx, id, func(ctx context.Context, letter eventstore.DeadLetter) error {
		subject := letter.Subject
		if subject == "" {
			var err error
			subject, err = envelope.Subject(s.Conf.SubjectPrefix, letter.Event.TenantID, letter.Event.EventType)
			if err != nil {
				return err
			}
		}
		if err := s.relay.PublishSync(ctx, subject, letter.Event.TenantID, letter.Event, nil); err != nil {
			return err
		}
		s.dlqMetrics.RecordReplayed(letter.Reason)
		return nil
	})
}

// Start runs the relay, the HTTP servers, the router and every tracking
// processor until ctx is cancelled or one of them fails. It closes the
// service before returning.
func (s *Service) Start(ctx context.Context) error {
	defer s.Close()

	s.relay.Start(ctx)

	s.mu.Lock()
	runnables := []Runnable{RunnableFunc(s.runRouter), RunnableFunc(s.runHTTPServers)}
	for _, p := range s.processors {
		runnables = append(runnables, p)
	}
	s.mu.Unlock()

	return RunAll(ctx, runnables...)
}

func (s *Service) runRouter(ctx context.Context) error {
	if len(s.router.Handlers()) == 0 {
		<-ctx.Done()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = s.router.Close()
	}()
	return s.router.Run(ctx)
}

// Close stops the router, drains the relay and releases the transport and
// the store it opened. Safe to call more than once.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		if s.relay != nil {
			s.relay.Close()
		}
		errs = append(errs, s.closeTransport(), s.closeStore())
	})
	return errors.Join(errs...)
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	// Most transports hand out one object as publisher and subscriber.
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) closeStore() error {
	if s.ownsStore && s.store != nil {
		return s.store.Close()
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) runHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	s.httpServersMu.Unlock()

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
