package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/AntonStoeckl/cart-eventstore-go/cart"
	"github.com/AntonStoeckl/cart-eventstore-go/cartservice"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/memengine"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/oteladapters"
	"github.com/AntonStoeckl/cart-eventstore-go/eventstore/postgresengine"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/config"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/lifecycle"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/logging"
	"github.com/AntonStoeckl/cart-eventstore-go/internal/sqldb"
	"github.com/AntonStoeckl/cart-eventstore-go/ordernotify"
	"github.com/AntonStoeckl/cart-eventstore-go/projection"
	"github.com/AntonStoeckl/cart-eventstore-go/projection/boltoffsets"
	"github.com/AntonStoeckl/cart-eventstore-go/projection/sqloffsets"
	"github.com/AntonStoeckl/cart-eventstore-go/publisher"
	"github.com/AntonStoeckl/cart-eventstore-go/readmodel/cartreport"
	"github.com/AntonStoeckl/cart-eventstore-go/readmodel/popularity"
	"github.com/AntonStoeckl/cart-eventstore-go/sharding"
)

const (
	instrumentationName = "cart-service"
	tagPrefix           = "carts"
)

// journal is what the service needs from an event store engine.
type journal interface {
	cart.Journal
	cart.SnapshotStore
	projection.EventsByTagReader
}

type flags struct {
	envFile       string
	shoppers      int
	rate          int
	observability bool
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.envFile, "env-file", ".env", "Optional .env file to seed the environment from")
	flag.IntVar(&f.shoppers, "shoppers", 0, "Number of simulated shoppers driving the cart service (0 disables the simulation)")
	flag.IntVar(&f.rate, "rate", defaultRate, "Simulated commands per second")
	flag.BoolVar(&f.observability, "observability-enabled", false, "Report metrics and traces through the global OpenTelemetry providers")
	flag.Parse()

	return f
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding})
	defer func() { _ = logger.Sync() }()

	if runErr := run(cfg, f, logger); runErr != nil {
		logger.Error("cart service stopped with an error", zap.Error(runErr))
		_ = logger.Sync()
		os.Exit(1)
	}
}

//nolint:funlen
func run(cfg config.Config, f flags, logger *zap.Logger) (err error) {
	shutdown := lifecycle.New(cfg.ShutdownTimeout, logger)
	defer func() {
		logger.Info("shutting down cart service")
		err = errors.Join(err, shutdown.Shutdown(context.Background()))
	}()

	ctx, stop := shutdown.Listen(context.Background())
	defer stop()

	var metrics eventstore.MetricsCollector
	var tracing eventstore.TracingCollector
	if f.observability {
		metrics = oteladapters.NewMetricsCollector(otel.Meter(instrumentationName))
		tracing = oteladapters.NewTracingCollector(otel.Tracer(instrumentationName))
	}

	store, err := openJournal(ctx, cfg.Journal, logger, metrics, tracing, shutdown)
	if err != nil {
		return err
	}

	tagger := eventstore.NewTagger(tagPrefix, cfg.Journal.NumberOfTags)

	db, err := sqldb.Open(ctx, cfg.ReadModel.Dialect, cfg.ReadModel.DSN)
	if err != nil {
		return fmt.Errorf("open read model database: %w", err)
	}
	shutdown.Register("read model database", func(context.Context) error { return db.Close() })

	stores, err := openReadModels(ctx, db, cfg.ReadModel.Dialect)
	if err != nil {
		return err
	}

	registry, err := sharding.NewShardRegistry(cfg.Sharding.NumberOfShards)
	if err != nil {
		return fmt.Errorf("create shard registry: %w", err)
	}

	cluster, err := cartservice.NewCartCluster(
		registry,
		sharding.WithClusterLogger(logging.NewEventstoreLogger(logger, "cluster")),
	)
	if err != nil {
		return fmt.Errorf("create cart cluster: %w", err)
	}

	regionOptions := []sharding.RegionOption{
		sharding.WithIdleTimeout(cfg.Sharding.IdleTimeout),
		sharding.WithLogger(logging.NewEventstoreLogger(logger, "region")),
	}
	if metrics != nil {
		regionOptions = append(regionOptions, sharding.WithMetrics(metrics))
	}

	nodeID := sharding.NodeID(cfg.NodeID)
	region, err := sharding.NewRegion(
		nodeID,
		registry,
		cartservice.EntityFactory(
			store,
			tagger,
			cart.WithSnapshots(store, cfg.Journal.SnapshotEvery),
			cart.WithLogger(logging.NewEventstoreLogger(logger, "cart")),
		),
		regionOptions...,
	)
	if err != nil {
		return fmt.Errorf("create region: %w", err)
	}

	if addErr := cluster.AddRegion(region); addErr != nil {
		return fmt.Errorf("add region: %w", addErr)
	}

	if rebalanceErr := cluster.Rebalance(ctx, []sharding.NodeID{nodeID}); rebalanceErr != nil {
		return fmt.Errorf("assign shards: %w", rebalanceErr)
	}
	shutdown.Register("region", region.Stop)

	service := cartservice.New(
		cluster,
		stores.popularity,
		cartservice.WithAskTimeout(cfg.Sharding.AskTimeout),
		cartservice.WithLogger(logging.NewEventstoreLogger(logger, "cartservice")),
	)

	group, err := buildProjections(ctx, cfg, tagger, store, stores, cluster, logger, metrics, tracing, shutdown)
	if err != nil {
		return err
	}

	projectionsCtx, stopProjections := context.WithCancel(ctx)
	projectionsDone := make(chan error, 1)
	go func() { projectionsDone <- group.Run(projectionsCtx) }()

	shutdown.Register("projections", func(shutdownCtx context.Context) error {
		stopProjections()

		select {
		case runErr := <-projectionsDone:
			return runErr
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	})

	logger.Info("cart service started",
		zap.String("node_id", cfg.NodeID),
		zap.Int("shards", len(region.Shards())),
		zap.Int("projections", len(group.Runners())),
	)

	if f.shoppers > 0 {
		return newSimulation(service, f.shoppers, f.rate, logger).Run(ctx)
	}

	<-ctx.Done()

	return nil
}

func openJournal(
	ctx context.Context,
	cfg config.JournalConfig,
	logger *zap.Logger,
	metrics eventstore.MetricsCollector,
	tracing eventstore.TracingCollector,
	shutdown *lifecycle.Manager,
) (journal, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no journal DSN configured, events are kept in memory only")

		return memengine.NewEventStore(), nil
	}

	pool, err := sqldb.OpenPGXPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	shutdown.Register("journal database", func(context.Context) error {
		pool.Close()

		return nil
	})

	options := []postgresengine.Option{
		postgresengine.WithLogger(logging.NewEventstoreLogger(logger, "journal")),
	}
	if metrics != nil {
		options = append(options, postgresengine.WithMetrics(metrics))
	}
	if tracing != nil {
		options = append(options, postgresengine.WithTracing(tracing))
	}

	var store *postgresengine.EventStore
	if cfg.ReplicaDSN == "" {
		store, err = postgresengine.NewEventStoreFromPGXPool(pool, options...)
	} else {
		replica, replicaErr := sqldb.OpenPGXPool(ctx, cfg.ReplicaDSN)
		if replicaErr != nil {
			return nil, fmt.Errorf("open journal replica: %w", replicaErr)
		}
		shutdown.Register("journal replica", func(context.Context) error {
			replica.Close()

			return nil
		})

		store, err = postgresengine.NewEventStoreFromPGXPoolAndReplica(pool, replica, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}

	if cfg.CreateSchema {
		if schemaErr := store.CreateSchema(ctx); schemaErr != nil {
			return nil, fmt.Errorf("create journal schema: %w", schemaErr)
		}
	}

	return store, nil
}

type readModels struct {
	offsets    *sqloffsets.Store
	popularity *popularity.Repository
	reports    *cartreport.Repository
}

func openReadModels(ctx context.Context, db *sqlx.DB, dialect string) (readModels, error) {
	offsets, err := sqloffsets.New(db, dialect)
	if err != nil {
		return readModels{}, fmt.Errorf("create offset store: %w", err)
	}

	popularityRepository, err := popularity.NewRepository(db, dialect)
	if err != nil {
		return readModels{}, fmt.Errorf("create popularity repository: %w", err)
	}

	reports, err := cartreport.NewRepository(db, dialect)
	if err != nil {
		return readModels{}, fmt.Errorf("create cart report repository: %w", err)
	}

	for name, create := range map[string]func(context.Context) error{
		"offsets":         offsets.CreateSchema,
		"item popularity": popularityRepository.CreateSchema,
		"cart report":     reports.CreateSchema,
	} {
		if schemaErr := create(ctx); schemaErr != nil {
			return readModels{}, fmt.Errorf("create %s schema: %w", name, schemaErr)
		}
	}

	return readModels{offsets: offsets, popularity: popularityRepository, reports: reports}, nil
}

//nolint:funlen
func buildProjections(
	ctx context.Context,
	cfg config.Config,
	tagger eventstore.Tagger,
	reader projection.EventsByTagReader,
	stores readModels,
	cluster *cartservice.CartCluster,
	logger *zap.Logger,
	metrics eventstore.MetricsCollector,
	tracing eventstore.TracingCollector,
	shutdown *lifecycle.Manager,
) (*projection.Group, error) {
	runnerOptions := []projection.Option{
		projection.WithLogger(logging.NewEventstoreLogger(logger, "projection")),
		projection.WithRetryBackoff(cfg.Projections.RetryBaseDelay, cfg.Projections.RetryMaxDelay),
		projection.WithSourceOptions(
			projection.WithPollInterval(cfg.Projections.PollInterval),
			projection.WithPageSize(cfg.Projections.PageSize),
		),
	}
	if metrics != nil {
		runnerOptions = append(runnerOptions, projection.WithMetrics(metrics))
	}
	if tracing != nil {
		runnerOptions = append(runnerOptions, projection.WithTracing(tracing))
	}

	popularityHandler := popularity.NewHandler(
		stores.popularity,
		popularity.WithLogger(logging.NewEventstoreLogger(logger, popularity.ProjectionName)),
	)
	group, err := projection.NewGroupForTags(popularity.ProjectionName, tagger.Tags(), func(id projection.ID) (*projection.Runner, error) {
		return projection.NewExactlyOnce(id, reader, stores.offsets, popularityHandler, runnerOptions...)
	})
	if err != nil {
		return nil, fmt.Errorf("create item popularity projection: %w", err)
	}

	reportHandler := cartreport.NewHandler(
		stores.reports,
		cartreport.WithLogger(logging.NewEventstoreLogger(logger, cartreport.ProjectionName)),
	)
	reportGroup, err := projection.NewGroupForTags(cartreport.ProjectionName, tagger.Tags(), func(id projection.ID) (*projection.Runner, error) {
		return projection.NewAtLeastOnce(id, reader, stores.offsets, reportHandler, runnerOptions...)
	})
	if err != nil {
		return nil, fmt.Errorf("create cart report projection: %w", err)
	}
	group.Add(reportGroup)

	if cfg.Publisher.RedisURL == "" && cfg.Orders.URL == "" {
		return group, nil
	}

	boltOffsets, err := boltoffsets.Open(cfg.Projections.BoltOffsetPath)
	if err != nil {
		return nil, fmt.Errorf("open bolt offset store: %w", err)
	}
	shutdown.Register("bolt offsets", func(context.Context) error { return boltOffsets.Close() })

	if cfg.Publisher.RedisURL != "" {
		publisherGroup, publisherErr := buildPublisher(ctx, cfg.Publisher, tagger, reader, boltOffsets, logger, runnerOptions, shutdown)
		if publisherErr != nil {
			return nil, publisherErr
		}
		group.Add(publisherGroup)
	}

	if cfg.Orders.URL != "" {
		ordersGroup, ordersErr := buildOrderNotifier(cfg.Orders, tagger, reader, boltOffsets, cluster, logger, metrics, runnerOptions, shutdown)
		if ordersErr != nil {
			return nil, ordersErr
		}
		group.Add(ordersGroup)
	}

	return group, nil
}

func buildPublisher(
	ctx context.Context,
	cfg config.PublisherConfig,
	tagger eventstore.Tagger,
	reader projection.EventsByTagReader,
	offsets projection.OffsetStore,
	logger *zap.Logger,
	runnerOptions []projection.Option,
	shutdown *lifecycle.Manager,
) (*projection.Group, error) {
	client, err := publisher.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	shutdown.Register("redis", func(context.Context) error { return client.Close() })

	redisOptions := []publisher.RedisOption{publisher.WithPartitions(cfg.Partitions)}
	if cfg.MaxLen > 0 {
		redisOptions = append(redisOptions, publisher.WithMaxLen(cfg.MaxLen))
	}

	producer, err := publisher.NewRedisStreamProducer(client, redisOptions...)
	if err != nil {
		return nil, fmt.Errorf("create redis producer: %w", err)
	}

	handler := publisher.NewHandler(
		producer,
		publisher.WithTopic(cfg.Topic),
		publisher.WithLogger(logging.NewEventstoreLogger(logger, publisher.ProjectionName)),
	)

	group, err := projection.NewGroupForTags(publisher.ProjectionName, tagger.Tags(), func(id projection.ID) (*projection.Runner, error) {
		return projection.NewAtLeastOnce(id, reader, offsets, handler, runnerOptions...)
	})
	if err != nil {
		return nil, fmt.Errorf("create publisher projection: %w", err)
	}

	return group, nil
}

func buildOrderNotifier(
	cfg config.OrdersConfig,
	tagger eventstore.Tagger,
	reader projection.EventsByTagReader,
	offsets projection.OffsetStore,
	carts ordernotify.CartAsker,
	logger *zap.Logger,
	metrics eventstore.MetricsCollector,
	runnerOptions []projection.Option,
	shutdown *lifecycle.Manager,
) (*projection.Group, error) {
	client, err := ordernotify.NewHTTPClient(cfg.URL, ordernotify.WithTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("create order client: %w", err)
	}

	parking, err := ordernotify.OpenParkingLot(cfg.ParkingPath)
	if err != nil {
		return nil, fmt.Errorf("open parking lot: %w", err)
	}
	shutdown.Register("parking lot", func(context.Context) error { return parking.Close() })

	notifierLogger := logging.NewEventstoreLogger(logger, ordernotify.ProjectionName)
	handlerOptions := []ordernotify.HandlerOption{
		ordernotify.WithParkingLot(parking),
		ordernotify.WithMaxAttempts(cfg.MaxAttempts),
		ordernotify.WithAskTimeout(cfg.AskTimeout),
		ordernotify.WithRedriveBatchSize(cfg.RedriveBatch),
		ordernotify.WithLogger(notifierLogger),
	}
	if metrics != nil {
		handlerOptions = append(handlerOptions, ordernotify.WithMetrics(metrics))
	}

	handler := ordernotify.NewHandler(carts, client, handlerOptions...)

	scheduler, err := ordernotify.NewRedriveScheduler(handler, cfg.RedriveInterval, notifierLogger)
	if err != nil {
		return nil, fmt.Errorf("create redrive scheduler: %w", err)
	}
	scheduler.Start()
	shutdown.Register("redrive scheduler", scheduler.Stop)

	group, err := projection.NewGroupForTags(ordernotify.ProjectionName, tagger.Tags(), func(id projection.ID) (*projection.Runner, error) {
		return projection.NewAtLeastOnce(id, reader, offsets, handler, runnerOptions...)
	})
	if err != nil {
		return nil, fmt.Errorf("create order notifier projection: %w", err)
	}

	return group, nil
}
