// Package server builds the gateway's dependency graph from configuration and
// runs the HTTP server and crawl workers until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/api"
	"github.com/JakeFAU/scrape-gateway/internal/auth"
	"github.com/JakeFAU/scrape-gateway/internal/billing"
	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrape-gateway/internal/fetcher/colly"
	"github.com/JakeFAU/scrape-gateway/internal/hash/sha256"
	"github.com/JakeFAU/scrape-gateway/internal/id/uuid"
	"github.com/JakeFAU/scrape-gateway/internal/idempotency"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
	memorypublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/scrape-gateway/internal/queue/memory"
	"github.com/JakeFAU/scrape-gateway/internal/scraper"
	gcsstorage "github.com/JakeFAU/scrape-gateway/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-gateway/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-gateway/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-gateway/internal/storage/postgres"
	redisstore "github.com/JakeFAU/scrape-gateway/internal/storage/redis"
	"github.com/JakeFAU/scrape-gateway/internal/telemetry"
	"github.com/JakeFAU/scrape-gateway/internal/worker"
)

const progressBuffer = 64

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	handler      http.Handler
	tracer       *sdktrace.TracerProvider
	dispatch     *dispatcher.Dispatcher
	queue        *queuememory.Queue
	pool         *pgxpool.Pool
	redisStore   *redisstore.IdempotencyStore
	pubsub       *gcppublisher.Publisher
	storage      *storage.Client
	ownsLogger   bool
	shutdownWait time.Duration
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	keys        crawler.KeyStore
	credits     crawler.CreditStore
	idempotency crawler.IdempotencyStore
	jobs        crawler.JobStore
	blobs       crawler.BlobStore
	publisher   crawler.Publisher
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Dispatcher exposes the worker dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the App opened.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
		cancel()
	}
	a.logger.Info("shutdown complete")
	if a.ownsLogger {
		_ = a.logger.Sync()
	}
}

// Build creates the application's dependencies. A nil logger builds one from
// cfg.Logging.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, shutdownWait: 10 * time.Second}
	if app.logger == nil {
		l, err := logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = l
		app.ownsLogger = true
	}
	metrics.Init()
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
		app.tracer = tp
		app.logger.Info("tracing enabled", zap.Float64("sample_ratio", cfg.Tracing.SampleRatio))
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("key_store", cfg.Auth.KeyStore),
		zap.String("credit_store", cfg.Credits.Store),
		zap.String("idempotency_store", cfg.Idempotency.Store))

	st, err := app.setupStores(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	clock := system.New()
	broker := progress.NewBroker(progressBuffer, app.logger.Named("progress"))
	svc := setupScraper(cfg, app.logger)

	app.queue = queuememory.NewQueue(cfg.Crawler.QueueDepth)
	app.dispatch = app.setupDispatcher(st, svc, broker, clock)

	authLimiter := ratelimit.New(ratelimit.Config{})
	app.apiServer = api.NewServer(api.Deps{
		Auth: auth.New(st.keys, authLimiter, func(plan string, mode crawler.Mode) int {
			return cfg.Auth.RateLimit(plan, string(mode))
		}, app.logger.Named("auth")),
		Credits:     billing.NewGate(st.credits, app.logger.Named("billing")),
		Idempotency: idempotency.NewGuard(st.idempotency, idempotency.RequireUUID(cfg.Idempotency.RequireUUID)),
		Blocklist:   setupBlocklist(cfg),
		Scraper:     svc,
		Jobs:        st.jobs,
		Queue:       app.dispatch,
		Ready:       app.dispatch,
		Broker:      broker,
		IDs:         uuid.New(),
		Clock:       clock,
	}, api.Options{
		BaseURL:         cfg.Server.BaseURL,
		RequestTimeout:  cfg.RequestTimeout(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		MaxPagesDefault: cfg.Crawler.MaxPagesDefault,
	}, app.logger.Named("api"))

	app.handler = app.apiServer.Handler()
	if app.tracer != nil {
		app.handler = telemetry.Middleware(app.handler)
	}
	return app, nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	var st stores
	var err error
	if a.cfg.NeedsPostgres() {
		a.pool, err = pgstore.Open(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
		if err != nil {
			return st, fmt.Errorf("postgres init failed: %w", err)
		}
		a.logger.Info("postgres pool initialized")
	}

	switch a.cfg.Auth.KeyStore {
	case config.StorePostgres:
		st.keys, err = pgstore.NewKeyStore(a.pool, "")
	default:
		keys := make(map[string]crawler.Identity, len(a.cfg.Auth.APIKeys))
		for _, k := range a.cfg.Auth.APIKeys {
			keys[k.Key] = crawler.Identity{TenantID: k.TenantID, Plan: k.Plan}
		}
		if len(keys) == 0 {
			a.logger.Warn("no api keys configured; every authenticated route will return 401")
		}
		st.keys = memorystorage.NewKeyStore(keys)
	}
	if err != nil {
		return st, fmt.Errorf("key store init failed: %w", err)
	}

	switch a.cfg.Credits.Store {
	case config.StorePostgres:
		st.credits, err = pgstore.NewCreditStore(a.pool, "")
	default:
		st.credits = memorystorage.NewCreditStore(a.cfg.Credits.DefaultBalance, a.cfg.Credits.Balances)
	}
	if err != nil {
		return st, fmt.Errorf("credit store init failed: %w", err)
	}

	switch a.cfg.Idempotency.Store {
	case config.StorePostgres:
		st.idempotency, err = pgstore.NewIdempotencyStore(a.pool, "")
	case config.StoreRedis:
		a.redisStore, err = redisstore.New(redisstore.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			TTL:      a.cfg.IdempotencyTTL(),
		})
		st.idempotency = a.redisStore
	default:
		st.idempotency = memorystorage.NewIdempotencyStore()
	}
	if err != nil {
		return st, fmt.Errorf("idempotency store init failed: %w", err)
	}

	st.jobs = memorystorage.NewJobStore()
	if st.blobs, err = a.setupBlobStore(ctx); err != nil {
		return st, err
	}
	if st.publisher, err = a.setupPublisher(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		if a.cfg.Storage.LocalDir != "" {
			blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
			if err != nil {
				return nil, fmt.Errorf("local blob store init failed: %w", err)
			}
			a.logger.Info("using local blob store", zap.String("dir", a.cfg.Storage.LocalDir))
			return blobs, nil
		}
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	}
	var err error
	a.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return blobs, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(a.logger.Named("publisher")), nil
	}
	var err error
	a.pubsub, err = gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return a.pubsub, nil
}

func setupScraper(cfg *config.Config, logger *zap.Logger) *scraper.Service {
	hostLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetcher.HostRPS,
		DefaultBurst: 1,
		ObserveWait:  metrics.ObserveRateLimitDelay,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	}, hostLimiter)
	logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Fetcher.UserAgent),
		zap.Bool("respect_robots", cfg.Fetcher.RespectRobots),
		zap.Float64("host_rps", cfg.Fetcher.HostRPS))
	return scraper.New(fetcher, logger.Named("scraper"))
}

func setupBlocklist(cfg *config.Config) *crawler.Blocklist {
	domains := cfg.Blocklist.Domains
	if len(domains) == 0 {
		domains = crawler.DefaultBlockedDomains
	}
	keywords := cfg.Blocklist.AllowedKeywords
	if len(keywords) == 0 {
		keywords = crawler.DefaultAllowedKeywords
	}
	return crawler.NewBlocklist(domains, keywords)
}

func (a *App) setupDispatcher(
	st stores,
	svc *scraper.Service,
	broker *progress.Broker,
	clock crawler.Clock,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		BlobPrefix:     a.cfg.Storage.Prefix,
		Topic:          a.cfg.PubSub.TopicName,
		CreditsPerPage: 1,
		MaxRetries:     a.cfg.Crawler.MaxRetries,
		RetryBackoff:   a.cfg.RetryBackoff(),
	}
	a.logger.Info("worker config",
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Int("max_retries", workerCfg.MaxRetries),
		zap.Duration("retry_backoff", workerCfg.RetryBackoff))

	gate := billing.NewGate(st.credits, a.logger.Named("billing"))
	hasher := sha256.New()
	workers := make([]dispatcher.Runner, 0, a.cfg.Crawler.Concurrency)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Queue:     a.queue,
			JobStore:  st.jobs,
			BlobStore: st.blobs,
			Publisher: st.publisher,
			Hasher:    hasher,
			Clock:     clock,
			Scraper:   svc,
			Biller:    gate,
			Emitter:   broker,
		}, workerCfg, a.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(a.queue, workers)
}
