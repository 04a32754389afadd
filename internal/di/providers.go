package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"TradePipe/internal/domain/repository"
	domsvc "TradePipe/internal/domain/service"
	mid "TradePipe/internal/middleware"
	internalrepo "TradePipe/internal/repository"
	ttlcache "TradePipe/internal/service/cache"
	"TradePipe/internal/service/controls"
	imetrics "TradePipe/internal/service/metrics"
	"TradePipe/internal/service/ratelimit"
	"TradePipe/internal/service/session"
	"TradePipe/internal/service/signals"
	"TradePipe/internal/service/venue"
	"TradePipe/internal/services/analytics"
	"TradePipe/internal/usecase"
	"TradePipe/pkg/cache"
	pkgch "TradePipe/pkg/clickhouse"
	"TradePipe/pkg/config"
	pkghttp "TradePipe/pkg/http"
	pkgkafka "TradePipe/pkg/kafka"
	"TradePipe/pkg/logger"
	"TradePipe/pkg/metrics"
	"TradePipe/pkg/postgres"
	"TradePipe/pkg/server"
)

const initTimeout = 10 * time.Second

// ProvideLogger creates the root logger from the log section.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideRegistry creates the Prometheus registry served on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

// ProvideKafkaProducer creates a Kafka producer. It returns nil when Kafka
// is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.Linger),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerMetrics(pkgkafka.NewProducerMetrics(reg)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideEventPublisher ships domain events to Kafka, or drops them when
// Kafka is disabled.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return internalrepo.NopPublisher{}
	}
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.EventsTopic)
}

// ProvideDedupStore backs execution idempotency with Redis, or with an
// in-process cache for single-instance runs.
func ProvideDedupStore(cfg *config.Config) (repository.DedupStore, func(), error) {
	if !cfg.Redis.Enabled {
		mc := cache.NewMemoryCache()
		return mc, func() { _ = mc.Close() }, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

// ProvidePostgres opens the database and applies migrations. It returns a
// nil handle when Postgres is disabled.
func ProvidePostgres(cfg *config.Config) (*gorm.DB, func(), error) {
	if !cfg.Postgres.Enabled {
		return nil, func() {}, nil
	}
	client, err := postgres.New(postgres.Option{
		Host:         cfg.Postgres.Host,
		Port:         cfg.Postgres.Port,
		User:         cfg.Postgres.User,
		Password:     cfg.Postgres.Password,
		Database:     cfg.Postgres.Database,
		SSLMode:      cfg.Postgres.SSLMode,
		ConnString:   cfg.Postgres.DSN,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := internalrepo.Migrate(ctx, client.DB()); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client.DB(), func() { _ = client.Close() }, nil
}

// ProvideAuditRepository stores risk decisions in Postgres, or in the log
// when no database is configured.
func ProvideAuditRepository(db *gorm.DB, log *logger.Logger) repository.AuditRepository {
	if db == nil {
		return internalrepo.NewMemoryAuditRepository(log)
	}
	return internalrepo.NewPGAuditRepository(db)
}

// ProvideSessionRepository returns nil when sessions are not persisted.
func ProvideSessionRepository(db *gorm.DB) repository.SessionRepository {
	if db == nil {
		return nil
	}
	return internalrepo.NewPGSessionRepository(db)
}

// ProvideCredentialProvider resolves per-user venue tokens.
func ProvideCredentialProvider(cfg *config.Config, db *gorm.DB) (repository.CredentialProvider, error) {
	if db == nil {
		p, err := internalrepo.NewMemoryCredentialProvider(cfg.Credentials.Secret)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		return p, nil
	}
	p, err := internalrepo.NewPGCredentialProvider(db, cfg.Credentials.Secret)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return p, nil
}

// ProvideClickHouseClient creates a ClickHouse client with the archive
// schema in place. It returns nil when the archive is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.ArchiveSchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideArchiveBatcher returns nil when there is no archive.
func ProvideArchiveBatcher(cfg *config.Config, ch *pkgch.Client, m repository.Metrics, log *logger.Logger) *usecase.ArchiveBatcher {
	if ch == nil {
		return nil
	}
	archive := internalrepo.NewCHArchive(ch, cfg.ClickHouse.Database, log)
	return usecase.NewArchiveBatcher(archive, m, log,
		cfg.ClickHouse.BatchSize, cfg.ClickHouse.BatchTimeout, cfg.ClickHouse.MaxBuffered)
}

// ProvideControls reads the operator kill-switch and pause files.
func ProvideControls(cfg *config.Config, log *logger.Logger) *controls.FileControls {
	return controls.NewFileControls(cfg.Safety.KillSwitchFile, cfg.Safety.PauseFile,
		cfg.Safety.CacheTTL, ttlcache.NewTTLCache(), log)
}

// ProvideInferenceClient returns nil when the AI overlay is disabled.
func ProvideInferenceClient(cfg *config.Config, reg *prometheus.Registry) domsvc.InferenceClient {
	if !cfg.AI.Enabled {
		return nil
	}
	return analytics.NewHTTPInferenceClient(analytics.InferenceConfig{
		BaseURL:       cfg.AI.URL,
		Timeout:       cfg.AI.Timeout,
		Attempts:      2,
		RatePerSecond: cfg.AI.RatePerSecond,
		Burst:         cfg.AI.Burst,
	}, ratelimit.New(), imetrics.NewInferenceMetrics(reg))
}

// ProvideVenueConfig maps the venue section onto the client config.
func ProvideVenueConfig(cfg *config.Config) venue.Config {
	return venue.Config{
		URL:              cfg.Venue.URL,
		AppID:            cfg.Venue.AppID,
		RequestTimeout:   cfg.Venue.RequestTimeout,
		ConnectTimeout:   cfg.Venue.ConnectTimeout,
		PingInterval:     cfg.Venue.PingInterval,
		PongTimeout:      cfg.Venue.PongTimeout,
		BackoffMin:       cfg.Venue.BackoffMin,
		BackoffMax:       cfg.Venue.BackoffMax,
		BreakerThreshold: cfg.Venue.BreakerThreshold,
		BreakerWindow:    cfg.Venue.BreakerWindow,
		AutoReconnect:    true,
	}
}

// ProvideVenueClient creates the shared market-data connection.
func ProvideVenueClient(vcfg venue.Config, m repository.Metrics, log *logger.Logger) *venue.Client {
	return venue.New(vcfg, venue.WithLogger(log), venue.WithMetrics(m))
}

// ProvideNormalizer creates the tick normalizer on top of the venue stream.
func ProvideNormalizer(cfg *config.Config, client *venue.Client, m repository.Metrics, log *logger.Logger) *mid.Normalizer {
	return mid.NewNormalizer(client, m,
		mid.WithMinPrice(cfg.Normalizer.MinPrice),
		mid.WithMaxSpreadRatio(cfg.Normalizer.MaxSpreadRatio),
		mid.WithDedupWindow(cfg.Normalizer.DedupWindow),
		mid.WithBufferSize(cfg.Normalizer.BufferSize),
		mid.WithVolatilityWindow(cfg.Normalizer.VolatilityWindow),
		mid.WithHeartbeat(cfg.Normalizer.HeartbeatTimeout, cfg.Normalizer.CheckInterval),
		mid.WithNormalizerLogger(log),
	)
}

// ProvideSignalGenerator creates the rule engine with the optional AI overlay.
func ProvideSignalGenerator(cfg *config.Config, ai domsvc.InferenceClient, ctl *controls.FileControls,
	m repository.Metrics, log *logger.Logger) *usecase.SignalGenerator {
	return usecase.NewSignalGenerator(usecase.SignalGeneratorConfig{
		MinConfidence:         cfg.Signals.MinConfidence,
		Markets:               cfg.SignalMarkets(),
		HistorySize:           cfg.Signals.HistorySize,
		Expiry:                cfg.Signals.Expiry,
		AIEnabled:             cfg.AI.Enabled && ai != nil,
		AITimeout:             cfg.AI.Timeout,
		AIConfidenceFloor:     cfg.AI.ConfidenceFloor,
		VolatileMinConfidence: cfg.AI.VolatileMinConfidence,
		StrategyVersion:       cfg.AI.StrategyVersion,
	}, ai, ctl, m, log)
}

// ProvideSessionStore creates the session store and restores persisted
// sessions.
func ProvideSessionStore(repo repository.SessionRepository, events repository.EventPublisher,
	log *logger.Logger) (*session.Store, error) {
	opts := []session.Option{session.WithPublisher(events), session.WithLogger(log)}
	if repo != nil {
		opts = append(opts, session.WithRepository(repo))
	}
	store := session.NewStore(opts...)
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		if _, err := store.RecoverStateFromDB(ctx); err != nil {
			return nil, fmt.Errorf("recover sessions: %w", err)
		}
	}
	return store, nil
}

// ProvideSignalStore creates the per-session signal store and has every
// session pause cancel that session's signals.
func ProvideSignalStore(cfg *config.Config, sessions *session.Store, log *logger.Logger) *signals.Store {
	sigs := signals.NewStore(sessions,
		signals.WithTTL(cfg.SignalStore.TTL),
		signals.WithSweepInterval(cfg.SignalStore.SweepInterval),
		signals.WithRetention(cfg.SignalStore.Retention),
		signals.WithLogger(log),
	)
	sessions.OnStatusChange(sigs.OnSessionStatus)
	return sigs
}

// ProvideRiskGuard creates the risk guard.
func ProvideRiskGuard(sessions *session.Store, audit repository.AuditRepository, events repository.EventPublisher,
	ctl *controls.FileControls, m repository.Metrics, log *logger.Logger) *usecase.RiskGuard {
	return usecase.NewRiskGuard(sessions, audit, events, ctl, m, log)
}

// ProvideSettlementReconciler watches placed contracts on per-user
// connections.
func ProvideSettlementReconciler(vcfg venue.Config, sessions *session.Store, m repository.Metrics,
	log *logger.Logger) (*usecase.SettlementReconciler, func()) {
	r := usecase.NewSettlementReconciler(sessions, usecase.NewVenueClientFactory(vcfg, m, log), 0, m, log)
	return r, r.Close
}

// ProvideExecutor creates the trade executor.
func ProvideExecutor(cfg *config.Config, vcfg venue.Config, dedup repository.DedupStore,
	creds repository.CredentialProvider, sessions *session.Store, settle *usecase.SettlementReconciler,
	events repository.EventPublisher, m repository.Metrics, log *logger.Logger) (*usecase.Executor, func(), error) {
	stake, err := decimal.NewFromString(cfg.Execution.Stake)
	if err != nil {
		return nil, nil, fmt.Errorf("execution.stake: %w", err)
	}
	exec := usecase.NewExecutor(usecase.ExecutorConfig{
		DedupTTL:       cfg.Execution.DedupTTL,
		ConnectTimeout: cfg.Venue.ConnectTimeout,
		Stake:          stake,
		Duration:       cfg.Execution.Duration,
		DurationUnit:   cfg.Execution.DurationUnit,
		Currency:       cfg.Execution.Currency,
		Basis:          cfg.Execution.Basis,
	}, dedup, creds, usecase.NewVenueClientFactory(vcfg, m, log), sessions, events, m, log)
	exec.SetContractTracker(settle)
	return exec, exec.Close, nil
}

// ProvideSafetyLayer creates the layer that pauses sessions on outages.
func ProvideSafetyLayer(sessions *session.Store, m repository.Metrics, log *logger.Logger) *usecase.SafetyLayer {
	layer := usecase.NewSafetyLayer(sessions, m, log)
	sessions.OnStatusChange(func(_ context.Context, c session.StatusChange) {
		layer.SessionStatusChanged(c.SessionID, c.To)
	})
	return layer
}

// ProvidePipeline assembles the realtime path.
func ProvidePipeline(
	cfg *config.Config,
	client *venue.Client,
	norm *mid.Normalizer,
	gen *usecase.SignalGenerator,
	sigs *signals.Store,
	sessions *session.Store,
	guard *usecase.RiskGuard,
	exec *usecase.Executor,
	safety *usecase.SafetyLayer,
	settle *usecase.SettlementReconciler,
	archive *usecase.ArchiveBatcher,
	events repository.EventPublisher,
	m repository.Metrics,
	log *logger.Logger,
) *usecase.Pipeline {
	p := usecase.NewPipeline(usecase.PipelineConfig{
		Markets:    cfg.Venue.Markets,
		AdminToken: cfg.Venue.AdminToken,
	}, client, norm, gen, sigs, sessions, guard, exec, safety, settle, events, m, log)
	if archive != nil {
		p.SetArchive(archive, exec.Results)
	}
	return p
}

// ProvideManualTradeHandler handles operator trade requests from Kafka.
func ProvideManualTradeHandler(cfg *config.Config, guard *usecase.RiskGuard, sessions *session.Store,
	exec *usecase.Executor, m repository.Metrics, log *logger.Logger) *usecase.ManualTradeHandler {
	return usecase.NewManualTradeHandler(cfg.Kafka.ManualTradesTopic, guard, sessions, exec, m, log)
}

// ProvideKafkaConsumer creates a consumer for manual trade requests. It
// returns nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, reg *prometheus.Registry, h *usecase.ManualTradeHandler,
	log *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(log),
		pkgkafka.WithConsumerMetrics(pkgkafka.NewConsumerMetrics(reg)),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(h)
	consumer.WithConsumerHook(pkgkafka.TraceHook())
	return consumer, nil
}

// ProvideHTTPServer creates the /metrics server with the operator control routes.
func ProvideHTTPServer(cfg *config.Config, reg *prometheus.Registry, ctl *controls.FileControls,
	log *logger.Logger) *pkghttp.Server {
	srv := pkghttp.NewServer(log,
		pkghttp.WithPort(cfg.Server.Port),
		pkghttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		pkghttp.WithGatherer(reg),
	)
	ctl.RegisterRoutes(srv.Echo())
	return srv
}

// ProvideApp registers every long-running component with the app.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	producer *pkgkafka.Producer,
	pipeline *usecase.Pipeline,
	sigs *signals.Store,
	consumer *pkgkafka.Consumer,
	httpServer *pkghttp.Server,
) *server.App {
	if producer != nil {
		log.AddCollector(&logger.CollectionConfig{
			TimeInterval: 30 * time.Second,
			Topic:        cfg.Kafka.LogsTopic,
			Publisher:    producer,
		})
	}

	app := server.New(log, cfg.Server.ShutdownTimeout)
	app.Add("pipeline", pipeline)
	app.Add("signal-store", server.RunnerFunc(func(ctx context.Context) error {
		sigs.Run(ctx)
		return nil
	}))
	app.Add("http", httpServer)
	if consumer != nil {
		app.Add("manual-trades", consumer)
	}
	if producer != nil {
		app.OnClose("log-collector", func() error {
			log.RemoveCollector()
			return nil
		})
	}
	return app
}
