// Package engine wires the projection pipeline per the loaded configuration
// and owns its lifecycle.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redbco/readbridge/internal/archive"
	"github.com/redbco/readbridge/internal/broker"
	"github.com/redbco/readbridge/internal/catalog"
	"github.com/redbco/readbridge/internal/optimizer"
	"github.com/redbco/readbridge/internal/outbox"
	"github.com/redbco/readbridge/internal/projection"
	"github.com/redbco/readbridge/internal/router"
	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/config"
	"github.com/redbco/readbridge/pkg/database"
	"github.com/redbco/readbridge/pkg/health"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// Engine owns the pipeline components and their lifecycle.
type Engine struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *telemetry.Metrics
	checker *health.Checker

	postgres *database.PostgreSQL
	mongo    *database.Mongo

	publisher *broker.KafkaPublisher
	consumer  *broker.KafkaConsumer

	outboxStore  *outbox.Store
	relay        *outbox.Relay
	registry     *projection.Registry
	materializer *projection.Materializer
	catalog      *catalog.Catalog
	recorder     *optimizer.Recorder
	analyzer     *optimizer.Analyzer
	denorm       *optimizer.Denormalizer
	archiver     *archive.Manager
	schemaCache  *schema.Cache
	router       *router.Router

	synchronizer router.TableSynchronizer

	adminServer *http.Server

	state struct {
		sync.Mutex
		isRunning bool
	}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		config:  cfg,
		metrics: telemetry.New(),
		checker: health.NewChecker(),
	}
}

// SetLogger sets the logger for the engine
func (e *Engine) SetLogger(log *logger.Logger) {
	e.logger = log
}

// SetTableSynchronizer plugs in the external relational DDL synchronizer
// invoked on schema changes.
func (e *Engine) SetTableSynchronizer(sync router.TableSynchronizer) {
	e.synchronizer = sync
}

// Metrics exposes the engine's metrics set.
func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Recorder exposes the query-pattern recorder so query layers can feed
// observations into it.
func (e *Engine) Recorder() *optimizer.Recorder {
	return e.recorder
}

// Analyzer exposes the optimizer for on-demand analysis runs.
func (e *Engine) Analyzer() *optimizer.Analyzer {
	return e.analyzer
}

// OutboxStore exposes the outbox store so business writers can append rows.
func (e *Engine) OutboxStore() *outbox.Store {
	return e.outboxStore
}

func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if e.state.isRunning {
		return fmt.Errorf("engine is already running")
	}

	pg, err := database.NewPostgreSQL(ctx, database.PostgreSQLFromConfig(e.config))
	if err != nil {
		return fmt.Errorf("failed to initialize postgres: %w", err)
	}
	e.postgres = pg

	mg, err := database.NewMongo(ctx, database.MongoFromConfig(e.config))
	if err != nil {
		pg.Close()
		return fmt.Errorf("failed to initialize mongo: %w", err)
	}
	e.mongo = mg

	brokers := e.config.GetStrings("kafka.brokers")
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	e.publisher = broker.NewKafkaPublisher(brokers)

	e.outboxStore = outbox.NewStore(pg.Pool())
	e.relay = outbox.NewRelay(e.outboxStore, e.publisher, e.logger, e.metrics,
		outbox.WithBatchSize(e.config.GetInt("outbox.batch_size", 20)),
		outbox.WithIdleSleep(e.config.GetDuration("outbox.idle_sleep", time.Second)))

	e.schemaCache = schema.NewCache(
		schema.NewMongoProvider(mg.Database()),
		e.config.GetDuration("schema.cache_ttl", 5*time.Minute))

	e.registry = projection.NewRegistry()
	if err := e.registerConfiguredSources(); err != nil {
		e.closeStores(ctx)
		return err
	}

	e.denorm = optimizer.NewDenormalizer(mg.Database(), e.logger)
	e.materializer = projection.NewMaterializer(e.registry, mg.Database(), e.logger, e.metrics).
		WithDenormalization(e.lookupConfig, e.denorm)

	e.catalog = catalog.New(mg.Database(), e.logger, e.metrics)
	e.recorder = optimizer.NewRecorder(e.metrics)
	e.recorder.SetSampleRate(e.config.GetFloat("optimizer.sample_rate", 1.0))
	e.analyzer = optimizer.NewAnalyzer(e.recorder, e.catalog, e.logger, e.metrics)
	e.archiver = archive.NewManager(mg.Database(), e.logger, e.metrics)

	e.router = router.New(nil, mg.Database(), e.logger, e.metrics,
		router.WithDeadLetterAfter(e.config.GetInt("router.dead_letter_after", 5)),
		router.WithRetryBackoff(e.config.GetDuration("router.retry_backoff", time.Second)))
	e.registerHandlers()

	e.consumer = broker.NewKafkaConsumer(broker.ConsumerConfig{
		Brokers:     brokers,
		GroupID:     e.config.GetDefault("kafka.group_id", "readbridge"),
		Topics:      e.router.Topics(),
		PollTimeout: e.config.GetDuration("kafka.poll_timeout", 2*time.Second),
	})
	e.router.SetConsumer(e.consumer)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.relay.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.router.Run(runCtx)
	}()

	e.startMaintenance(runCtx)
	e.startAdminServer()

	e.state.isRunning = true
	e.logger.Infof("engine started, consuming topics: %s", strings.Join(e.router.Topics(), ", "))
	return nil
}

// registerConfiguredSources builds SQL sources from configuration keys of
// the form aggregates.{Type}.table, aggregates.{Type}.id_column and
// aggregates.{Type}.relations ("field:table:fk,field:table:fk").
func (e *Engine) registerConfiguredSources() error {
	all := e.config.GetAll()
	for key, table := range all {
		if !strings.HasPrefix(key, "aggregates.") || !strings.HasSuffix(key, ".table") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "aggregates."), ".table")
		if name == "" || strings.Contains(name, ".") {
			continue
		}

		idColumn := e.config.GetDefault("aggregates."+name+".id_column", "id")
		var relations []projection.Relation
		for _, spec := range e.config.GetStrings("aggregates." + name + ".relations") {
			parts := strings.Split(spec, ":")
			if len(parts) != 3 {
				return fmt.Errorf("invalid relation spec %q for aggregate %s", spec, name)
			}
			relations = append(relations, projection.Relation{
				Field:      parts[0],
				Table:      parts[1],
				ForeignKey: parts[2],
			})
		}

		e.registry.Register(name, projection.NewSQLSource(e.postgres.Pool(), table, idColumn, relations...))
		e.logger.Debugf("registered aggregate source %s -> %s", name, table)
	}
	return nil
}

func (e *Engine) registerHandlers() {
	entity := router.NewEntityHandler(e.mongo.Database(), e.logger)
	schemaHandler := router.NewSchemaHandler(e.mongo.Database(), e.synchronizer, e.schemaCache, e.logger)
	projectionHandler := router.NewProjectionHandler(e.materializer, e.logger)

	e.router.Register(router.TopicDataChanged, entity.Handle)
	e.router.Register(router.TopicSchemaChanged, schemaHandler.Handle)

	// integration topics get the generic projection handler; domain
	// handlers for the same topics are registered by the embedding process
	// before Start
	for _, topic := range e.config.GetStrings("router.integration_topics") {
		e.router.Register(topic, projectionHandler.Handle)
	}
}

// lookupConfig resolves the projection tuning configuration via the schema
// cache; a failed lookup disables tuning for that document only.
func (e *Engine) lookupConfig(ctx context.Context, tenantID, aggregateType string) *schema.SmartProjectionConfig {
	s, err := e.schemaCache.GetSchema(ctx, tenantID, aggregateType)
	if err != nil {
		e.logger.Debugf("no schema for %s/%s: %v", tenantID, aggregateType, err)
		return nil
	}
	return s.SmartProjection
}

// EnsureCollection wires the index catalog for one projected collection.
func (e *Engine) EnsureCollection(ctx context.Context, collection string, cfg *schema.SmartProjectionConfig) error {
	return e.catalog.EnsureIndexes(ctx, collection, cfg)
}

func (e *Engine) startAdminServer() {
	addr := e.config.Get("admin.listen")
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := e.checker.GetOverallStatus()
		if status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, status.String())
	})

	e.adminServer = &http.Server{Addr: addr, Handler: mux}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Errorf("admin server failed: %v", err)
		}
	}()
	e.logger.Infof("admin server listening on %s", addr)
}

func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return nil
	}

	e.logger.Info("engine stopping")
	e.cancel()

	if e.adminServer != nil {
		_ = e.adminServer.Shutdown(ctx)
	}
	e.wg.Wait()

	if e.consumer != nil {
		_ = e.consumer.Close()
	}
	if e.publisher != nil {
		_ = e.publisher.Close()
	}
	e.closeStores(ctx)

	e.state.isRunning = false
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) closeStores(ctx context.Context) {
	if e.mongo != nil {
		_ = e.mongo.Close(ctx)
	}
	if e.postgres != nil {
		e.postgres.Close()
	}
}

// CheckHealth runs the engine's health checks.
func (e *Engine) CheckHealth(ctx context.Context) error {
	e.state.Lock()
	running := e.state.isRunning
	e.state.Unlock()
	if !running {
		return fmt.Errorf("engine is not running")
	}

	e.checker.RunCheck("postgres", func() error {
		return e.postgres.Ping(ctx)
	})
	e.checker.RunCheck("mongo", func() error {
		return e.mongo.Ping(ctx)
	})

	if e.checker.GetOverallStatus() == health.StatusUnhealthy {
		return fmt.Errorf("engine unhealthy")
	}
	return nil
}
