package billingevents

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-billing-events/adapters/gologger"
	"github.com/goliatone/go-billing-events/billing"
	"github.com/goliatone/go-billing-events/cancellation"
	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-billing-events/dispatch"
	"github.com/goliatone/go-billing-events/inbound"
	"github.com/goliatone/go-billing-events/notify"
	"github.com/goliatone/go-billing-events/pipeline"
	"github.com/goliatone/go-billing-events/queue"
	sqlstore "github.com/goliatone/go-billing-events/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-job/queue/worker"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"
)

type runtimeOptions struct {
	logger         Logger
	loggerProvider LoggerProvider
	metrics        MetricsRecorder
	redis          redis.UniversalClient
	persistence    *persistence.Client
	doer           billing.HTTPDoer
	mailer         notify.Mailer
	listener       net.Listener
	skipMigrate    bool
}

type Option func(*runtimeOptions)

func WithLogger(logger Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(o *runtimeOptions) { o.loggerProvider = provider }
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(o *runtimeOptions) { o.metrics = recorder }
}

// WithRedisClient injects a redis client. The runtime does not close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *runtimeOptions) { o.redis = client }
}

// WithPersistenceClient injects an opened database client. The runtime
// still applies migrations but does not close it.
func WithPersistenceClient(client *persistence.Client) Option {
	return func(o *runtimeOptions) { o.persistence = client }
}

func WithHTTPDoer(doer billing.HTTPDoer) Option {
	return func(o *runtimeOptions) { o.doer = doer }
}

func WithMailer(mailer notify.Mailer) Option {
	return func(o *runtimeOptions) { o.mailer = mailer }
}

// WithHTTPListener serves the webhook API on listener instead of cfg.HTTP.Addr.
func WithHTTPListener(listener net.Listener) Option {
	return func(o *runtimeOptions) { o.listener = listener }
}

// WithoutMigrations skips applying migrations during Build.
func WithoutMigrations() Option {
	return func(o *runtimeOptions) { o.skipMigrate = true }
}

// Runtime is the assembled service: webhook server, worker pool,
// cancellation relay and executor over shared stores.
type Runtime struct {
	Config        Config
	Logger        Logger
	Queue         *queue.RedisQueue
	Ledger        core.LedgerStore
	Subscribers   *sqlstore.SubscriberStore
	Cancellations *sqlstore.CancellationStore
	Dispatcher    *dispatch.Dispatcher
	Processor     *pipeline.Processor
	Pool          *pipeline.Pool
	Jobs          *cancellation.JobQueue
	Relay         *cancellation.Relay
	Executor      *cancellation.Executor
	Receiver      *inbound.Receiver
	Server        *inbound.Server
	Facade        *Facade

	bus      *notify.Bus
	redis    redis.UniversalClient
	database *persistence.Client
	listener net.Listener
	owned    struct{ redis, database bool }

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    chan error
}

// Build validates cfg, connects to redis and the database, applies
// migrations and wires every component. Nothing runs until Start.
func Build(ctx context.Context, cfg Config, opts ...Option) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	provider, logger := resolveLogging(cfg, options)
	rt = &Runtime{
		Config:   cfg,
		Logger:   logger,
		listener: options.listener,
		errs:     make(chan error, 4),
	}
	defer func() {
		if err != nil {
			rt.closeClients()
			rt = nil
		}
	}()

	rt.redis = options.redis
	if rt.redis == nil {
		rt.redis = queue.NewRedisClient(cfg.Queue)
		rt.owned.redis = true
	}
	if rt.Queue, err = queue.NewRedisQueue(rt.redis, cfg.Queue.Key); err != nil {
		return rt, err
	}

	rt.database = options.persistence
	if rt.database == nil {
		if rt.database, err = sqlstore.Open(ctx, cfg.Database); err != nil {
			return rt, err
		}
		rt.owned.database = true
	}
	if !options.skipMigrate {
		if err = rt.database.Migrate(ctx); err != nil {
			return rt, fmt.Errorf("billingevents: apply migrations: %w", err)
		}
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(rt.database)
	if err != nil {
		return rt, err
	}
	rt.Subscribers = factory.SubscriberStore()
	rt.Cancellations = factory.CancellationStore()
	if rt.Ledger, err = cachedLedger(factory.LedgerStore(), cfg.Ledger.CacheTTL); err != nil {
		return rt, err
	}

	stripe, paypal, err := configuredGateways(cfg, options.doer)
	if err != nil {
		return rt, err
	}
	gateways := map[core.Provider]core.SubscriptionGateway{}
	deps := dispatch.Deps{
		FailedPaymentThreshold: cfg.Cancellation.FailedPaymentThreshold,
		Logger:                 provider.GetLogger("dispatch"),
	}
	if stripe != nil {
		deps.Stripe = stripe
		gateways[core.ProviderStripe] = stripe
	}
	if paypal != nil {
		deps.PayPal = paypal
		gateways[core.ProviderPayPal] = paypal
	}
	if rt.Dispatcher, err = dispatch.NewDefault(deps, dispatch.WithMetrics(options.metrics)); err != nil {
		return rt, err
	}

	if err = rt.buildNotifications(cfg, options, provider); err != nil {
		return rt, err
	}

	rt.Processor = pipeline.NewProcessor(rt.Queue, rt.Ledger, factory.UnitOfWork(), rt.Dispatcher)
	rt.Processor.Notifier = notify.CommandNotifier{Logger: provider.GetLogger("notify")}
	rt.Processor.MaxRetries = cfg.Pool.MaxRetries
	rt.Processor.Logger = provider.GetLogger("pipeline")
	rt.Processor.Metrics = core.EnsureMetrics(options.metrics)
	rt.Pool, err = pipeline.NewPool(
		pipeline.PoolConfigFrom(cfg),
		rt.Processor,
		rt.Queue,
		pipeline.WithPoolLogger(provider.GetLogger("pool")),
		pipeline.WithPoolMetrics(options.metrics),
	)
	if err != nil {
		return rt, err
	}

	if rt.Jobs, err = cancellation.NewRedisJobQueue(rt.redis, cfg.Cancellation.JobsKey, cfg.Cancellation.LeaseTimeout); err != nil {
		return rt, err
	}
	rt.Relay = &cancellation.Relay{
		Source:    rt.Cancellations,
		Enqueuer:  rt.Jobs,
		Interval:  cfg.Cancellation.PollInterval,
		BatchSize: cfg.Cancellation.BatchSize,
		Logger:    provider.GetLogger("cancellation.relay"),
	}
	policy := cancellation.DefaultRetryPolicy()
	if cfg.Cancellation.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Cancellation.MaxAttempts
	}
	if cfg.Cancellation.MaxDelay > 0 {
		policy.MaxDelay = cfg.Cancellation.MaxDelay
	}
	executorLogger := provider.GetLogger("cancellation.executor")
	jobLogger := gologger.ToJobLogger(executorLogger)
	rt.Executor = &cancellation.Executor{
		Queue: rt.Jobs,
		Task: &cancellation.CancelTask{
			Store:    rt.Cancellations,
			Gateways: gateways,
			Logger:   executorLogger,
		},
		Policy: policy,
		Hooks: []worker.Hook{
			cancellation.LoggingHook{Logger: jobLogger},
			cancellation.MetricsHook{Recorder: options.metrics},
		},
		Logger: jobLogger,
	}

	if err = rt.buildInbound(cfg, options, provider, paypal); err != nil {
		return rt, err
	}
	if rt.Facade, err = NewFacade(rt.Ledger, rt.Queue); err != nil {
		return rt, err
	}
	return rt, nil
}

func resolveLogging(cfg Config, options runtimeOptions) (LoggerProvider, Logger) {
	if options.loggerProvider == nil && options.logger == nil {
		options.loggerProvider = gologger.NewRoot(cfg.ServiceName, cfg.Log.Level, cfg.Log.Format, nil)
	}
	return gologger.Resolve(cfg.ServiceName, options.loggerProvider, options.logger)
}

func cachedLedger(base core.LedgerStore, ttl time.Duration) (core.LedgerStore, error) {
	if ttl <= 0 {
		return base, nil
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = ttl
	service, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("billingevents: ledger cache: %w", err)
	}
	return sqlstore.NewCachedLedgerStore(base, service)
}

func (rt *Runtime) buildNotifications(cfg Config, options runtimeOptions, provider LoggerProvider) error {
	mailer := options.mailer
	if mailer == nil {
		if strings.TrimSpace(cfg.Mail.Host) != "" {
			smtpMailer, err := notify.NewSMTPMailer(cfg.Mail)
			if err != nil {
				return err
			}
			mailer = smtpMailer
		} else {
			mailer = notify.LogMailer{Logger: provider.GetLogger("mail")}
		}
	}
	rt.bus = notify.NewBus(nil)
	if err := rt.bus.Register(&notify.MailCommand{
		Mailer: mailer,
		From:   cfg.Mail.From,
		Logger: provider.GetLogger("mail"),
	}); err != nil {
		return err
	}
	return rt.bus.Initialize()
}

func (rt *Runtime) buildInbound(cfg Config, options runtimeOptions, provider LoggerProvider, paypal *billing.PayPalClient) error {
	rt.Receiver = inbound.NewReceiver(rt.Queue)
	rt.Receiver.Guard = inbound.NewDuplicateGuard(cfg.HTTP.DuplicateWindow, 0)
	rt.Receiver.Logger = provider.GetLogger("inbound")
	rt.Receiver.Metrics = options.metrics
	if strings.TrimSpace(cfg.Stripe.WebhookSecret) != "" {
		if err := rt.Receiver.Register(core.ProviderStripe, inbound.StripeVerifier{
			Secret: cfg.Stripe.WebhookSecret,
			Window: cfg.Stripe.SignatureWindow,
		}); err != nil {
			return err
		}
	}
	if paypal != nil && strings.TrimSpace(cfg.PayPal.WebhookID) != "" {
		if err := rt.Receiver.Register(core.ProviderPayPal, inbound.PayPalVerifier{Client: paypal}); err != nil {
			return err
		}
	}
	if len(rt.Receiver.Providers()) == 0 {
		core.Log(context.Background(), rt.Logger, core.LevelWarn, "no webhook verifiers configured, webhook endpoints will reject deliveries", nil)
	}

	server, err := inbound.NewServer(
		inbound.ServerConfig{Addr: cfg.HTTP.Addr, MaxBodyBytes: cfg.HTTP.MaxBodyBytes},
		rt.Receiver,
		inbound.WithLedger(rt.Ledger),
		inbound.WithHealth(rt.Health),
		inbound.WithLogger(provider.GetLogger("http")),
	)
	if err != nil {
		return err
	}
	rt.Server = server
	return nil
}

// Health reports queue depth and pool size for /healthz.
func (rt *Runtime) Health(ctx context.Context) (inbound.Health, error) {
	minWorkers, maxWorkers := rt.Pool.Bounds()
	health := inbound.Health{
		PoolSize:   rt.Pool.Size(),
		MinWorkers: minWorkers,
		MaxWorkers: maxWorkers,
	}
	depth, err := rt.Queue.Depth(ctx)
	if err != nil {
		return health, err
	}
	health.QueueDepth = depth
	jobs, err := rt.Jobs.Depth(ctx)
	if err != nil {
		return health, err
	}
	health.CancellationPending = jobs.Ready + jobs.Delayed + jobs.Inflight
	health.CancellationDead = jobs.Dead
	return health, nil
}

// Start launches the pool, relay, executor and HTTP server. Cancellation
// jobs leased by a previous process return to the queue when their lease
// expires. Failures of the background loops are reported on Errors.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("billingevents: runtime already started")
	}

	jobs, err := rt.Jobs.Depth(ctx)
	if err != nil {
		return err
	}
	if jobs.Inflight > 0 {
		core.Log(ctx, rt.Logger, core.LevelInfo, "cancellation jobs leased by a previous process", map[string]any{
			"count": jobs.Inflight,
		})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := rt.Pool.Start(runCtx); err != nil {
		cancel()
		return err
	}
	rt.cancel = cancel
	rt.started = true

	rt.goReport("cancellation relay", func() error { return rt.Relay.Run(runCtx) })
	rt.goReport("cancellation executor", func() error { return rt.Executor.Run(runCtx) })
	rt.goReport("http server", func() error {
		if rt.listener != nil {
			return rt.Server.Serve(rt.listener)
		}
		return rt.Server.ListenAndServe()
	})

	core.Log(ctx, rt.Logger, core.LevelInfo, "billing events runtime started", map[string]any{
		"http_addr": rt.Config.HTTP.Addr,
		"queue_key": rt.Config.Queue.Key,
		"providers": rt.Receiver.Providers(),
	})
	return nil
}

func (rt *Runtime) goReport(name string, run func() error) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := run(); err != nil {
			select {
			case rt.errs <- fmt.Errorf("billingevents: %s: %w", name, err):
			default:
			}
		}
	}()
}

// Errors delivers failures of the background loops.
func (rt *Runtime) Errors() <-chan error {
	return rt.errs
}

// Shutdown stops intake first, then lets the workers drain before closing
// the clients the runtime opened. ctx bounds the whole sequence.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	started := rt.started
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()

	var errs []error
	if started {
		if err := rt.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if cancel != nil {
			cancel()
		}
		done := make(chan struct{})
		go func() {
			rt.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("billingevents: background loops did not stop: %w", ctx.Err()))
		}
		if err := rt.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.bus.Close()
	if err := rt.closeClients(); err != nil {
		errs = append(errs, err)
	}
	core.Log(ctx, rt.Logger, core.LevelInfo, "billing events runtime stopped", nil)
	return errors.Join(errs...)
}

func (rt *Runtime) closeClients() error {
	var errs []error
	if rt.owned.database && rt.database != nil {
		if err := rt.database.Close(); err != nil {
			errs = append(errs, err)
		}
		rt.owned.database = false
	}
	if rt.owned.redis && rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		rt.owned.redis = false
	}
	return errors.Join(errs...)
}
