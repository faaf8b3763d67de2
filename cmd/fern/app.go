package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fetching"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/keylock"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nitro"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// app holds the components shared by every command
type app struct {
	cfg      *config.Config
	logger   ectologger.Logger
	channels []models.Channel

	db       *sqlx.DB
	redis    *redis.Client
	producer *kafka.Producer
	tracer   *sdktrace.TracerProvider

	keyLocker *redis.KeyLocker
	content   *store.ContentStore
	schedules *store.ScheduleStore
	runs      *store.JobRunStore
	handler   *ingest.Handler
	refresher *ingest.Refresher
	scheduler *scheduler.Scheduler
	factory   scheduler.ProcessorFactory
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	channels, err := cfg.Channels()
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, channels: channels}, nil
}

// dependencies registers everything the service needs before it can take traffic
func (a *app) dependencies(s *startup.Startup) {
	s.Add(startup.Func{Name: "tracing", OnStart: a.startTracing, OnStop: a.stopTracing})
	s.Add(startup.Func{Name: "database", OnStart: a.connectDatabase, OnStop: a.closeDatabase})
	s.Add(startup.Func{Name: "migrations", Requires: []string{"database"}, OnStart: a.migrate})
	s.Add(startup.Func{Name: "redis", OnStart: a.connectRedis, OnStop: a.closeRedis})
	s.Add(startup.Func{Name: "kafka", OnStart: a.openKafka, OnStop: a.closeKafka})
	s.Add(startup.Func{
		Name:     "components",
		Requires: []string{"tracing", "migrations", "redis", "kafka"},
		OnStart:  a.buildComponents,
		OnStop:   a.closeComponents,
	})
}

func (a *app) startTracing(ctx context.Context) error {
	var exporter sdktrace.SpanExporter = exporters.DiscardExporter{}
	if a.cfg.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: a.cfg.OTLPEndpoint,
			Protocol: a.cfg.OTLPProtocol,
			Insecure: a.cfg.OTLPInsecure,
		})
		if err != nil {
			return err
		}
		exporter = otlp
	}

	a.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(a.tracer)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	tracing.SetTracer(a.tracer.Tracer(a.cfg.AppName))
	return nil
}

func (a *app) stopTracing(ctx context.Context) error {
	if a.tracer == nil {
		return nil
	}
	return a.tracer.Shutdown(ctx)
}

func (a *app) connectDatabase(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := database.Connect(ctx, database.Config{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		UserName:        a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *app) closeDatabase(context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) migrate(context.Context) error {
	driver, err := postgres.WithInstance(a.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	svc := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	return svc.Migrate(a.cfg.DatabaseName, driver)
}

func (a *app) connectRedis(context.Context) error {
	cfg := redis.Config{Host: a.cfg.RedisHost, Port: a.cfg.RedisPort, Password: a.cfg.RedisPassword, DB: a.cfg.RedisDB}
	if !cfg.Enabled() {
		a.logger.Info("Redis is not configured: locks are local to this replica")
		return nil
	}
	client, err := redis.NewClient(cfg, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *app) closeRedis(context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) openKafka(context.Context) error {
	cfg := kafka.ParseConfig(a.cfg.KafkaBrokers, a.auditTopics().All()...)
	if !cfg.Enabled() {
		a.logger.Info("Kafka is not configured: audit events are logged")
		return nil
	}
	a.producer = kafka.NewProducer(cfg, a.logger)
	return nil
}

func (a *app) auditTopics() audit.Topics {
	return audit.Topics{
		Success: a.cfg.KafkaSuccessTopic,
		Failure: a.cfg.KafkaFailureTopic,
		Status:  a.cfg.KafkaStatusTopic,
	}
}

func (a *app) closeKafka(context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) buildComponents(context.Context) error {
	db := database.NewDatabaseInstance(a.db, a.logger)
	a.content = store.NewContentStore(db, a.logger)
	a.schedules = store.NewScheduleStore(db, a.logger)
	a.runs = store.NewJobRunStore(db, a.logger)

	var throttle nitro.Throttle
	var jobLocker *redis.Locker
	if a.redis != nil {
		throttle = redis.NewThrottle(a.redis, "fern:throttle:")
		jobLocker = redis.NewLocker(a.redis, scheduler.LockKeyPrefix)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = a.cfg.NitroTimeout
	client, err := nitro.NewClient(nitro.Config{
		BaseURL:          a.cfg.NitroBaseURL,
		APIKey:           a.cfg.NitroAPIKey,
		PageSize:         a.cfg.NitroPageSize,
		FetchConcurrency: a.cfg.NitroFetchConcurrency,
		RatePerSecond:    a.cfg.NitroRatePerSecond,
		HTTP:             httpCfg,
	}, throttle, a.logger)
	if err != nil {
		return err
	}

	var locker keylock.Locker = keylock.NewLocal()
	if a.cfg.KeyLockBackend == "redis" {
		a.keyLocker = redis.NewKeyLocker(a.redis, a.cfg.KeyLockTTL)
		locker = a.keyLocker
	}

	var reporter audit.Reporter = audit.NewLogReporter(a.logger)
	if a.producer != nil {
		reporter = audit.NewKafkaReporter(a.producer, a.auditTopics(), a.logger)
	}

	fetcher := fetching.NewFetcher(a.content, client, merging.NewBuilder().Build(), fetching.DefaultWindow(), a.logger)
	a.handler = ingest.NewHandler(locker, fetcher, a.content, reporter, a.logger)
	a.refresher = ingest.NewRefresher(a.handler)
	a.factory = scheduler.Updaters(client, a.handler, a.schedules, a.cfg.NitroSchedulePageSize, a.logger)

	a.scheduler, err = scheduler.NewScheduler(a.factory, a.runs, jobLocker, scheduler.Config{
		Families: scheduler.Families(scheduler.Profiles{
			Today:                   scheduler.Profile{Threads: a.cfg.JobTodayThreads, RatePerSecond: a.cfg.JobTodayRate},
			Fortnight:               scheduler.Profile{Threads: a.cfg.JobFortnightThreads, RatePerSecond: a.cfg.JobFortnightRate},
			ThreeWeek:               scheduler.Profile{Threads: a.cfg.JobThreeWeekThreads, RatePerSecond: a.cfg.JobThreeWeekRate},
			AroundToday:             scheduler.Profile{Threads: a.cfg.JobAroundTodayThreads, RatePerSecond: a.cfg.JobAroundTodayRate},
			OffSchedule:             scheduler.Profile{Threads: a.cfg.JobOffScheduleThreads, RatePerSecond: a.cfg.JobOffScheduleRate},
			FailureThresholdPercent: a.cfg.JobFailureThresholdPercent,
			RunOnStart:              a.cfg.SchedulerRunOnStart,
		}),
		Channels: a.channels,
		LockTTL:  a.cfg.SchedulerLockTTL,
	}, a.logger)
	if err != nil {
		return err
	}

	a.logger.Infof("Syncing %d channels with %s key locks", len(a.channels), a.cfg.KeyLockBackend)
	return nil
}

func (a *app) closeComponents(context.Context) error {
	if a.keyLocker != nil {
		a.keyLocker.Close()
	}
	return nil
}

func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
