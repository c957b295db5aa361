package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"countersign/internal/config"
	"countersign/internal/domain"
	"countersign/internal/infra/certs"
	"countersign/internal/infra/db"
	"countersign/internal/infra/docstore"
	httpinfra "countersign/internal/infra/http"
	"countersign/internal/infra/ids"
	"countersign/internal/infra/memstore"
	"countersign/internal/infra/metrics"
	"countersign/internal/infra/notify"
	"countersign/internal/infra/policyopa"
	"countersign/internal/infra/ratelimit"
	"countersign/internal/jobs"
	"countersign/internal/logging"
	"countersign/internal/telemetry"
	"countersign/internal/usecase"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			config.FromEnv,
			newLogger,
			newTelemetry,
			newIDs,
			newStore,
			newRepository,
			newPGXPool,
			newRedisClient,
			newDocuments,
			newNotifier,
			newRateLimiter,
			newPolicy,
			newAuthority,
			metrics.New,
			newEngine,
			newServer,
			newSweeper,
		),
		fx.Invoke(run),
	)
	app.Run()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.AppEnv, cfg.LogLevel)
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})
	return provider, nil
}

func newIDs(cfg config.Config) (*ids.Generator, error) {
	return ids.New(cfg.SnowflakeNode)
}

func newStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*db.Store, error) {
	store, err := db.NewStore(cfg, log)
	if err != nil {
		return nil, err
	}
	if !store.Available() {
		return store, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, log); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func newRepository(store *db.Store) usecase.SigningRepository {
	if store.Available() {
		return db.NewSigningRequestRepository(store.DB)
	}
	return memstore.New()
}

// newPGXPool backs the expiry sweep's advisory lock. It is nil without a DSN.
func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.PostgresDSN == "" || cfg.ExpirySweepInterval <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		pool.Close()
		return nil
	}})
	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
	return client, nil
}

func newDocuments(cfg config.Config, log *zap.Logger) (usecase.DocumentStore, error) {
	if cfg.DocumentRoot == "" {
		log.Warn("DOCUMENT_ROOT not set; documents are kept in memory")
		return docstore.NewMemory(), nil
	}
	return docstore.NewFileStore(cfg.DocumentRoot)
}

func newNotifier(cfg config.Config, log *zap.Logger, client redis.UniversalClient) (usecase.Notifier, error) {
	switch strings.ToLower(cfg.NotifierBackend) {
	case "", "log":
		return &notify.Log{Logger: log.Named("notify"), RevealCodes: cfg.Development()}, nil
	case "webhook":
		return notify.NewWebhook(notify.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			RPS:    cfg.WebhookRPS,
		})
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("NOTIFIER=redis requires REDIS_ADDR")
		}
		return notify.NewRedis(client, cfg.NotifyChannel)
	default:
		return nil, fmt.Errorf("unsupported notifier %q", cfg.NotifierBackend)
	}
}

func newRateLimiter(cfg config.Config, client redis.UniversalClient) (domain.RateLimiter, error) {
	if client != nil {
		return ratelimit.NewRedis(client, nil)
	}
	return ratelimit.NewMemory(cfg.RateLimitMaxKeys, nil), nil
}

func newPolicy(cfg config.Config) (usecase.CreationPolicy, error) {
	return policyopa.NewEngine(context.Background(), cfg.PolicyPath, policyopa.Limits{
		MaxSigners: cfg.PolicyMaxSigners,
		MaxExpiry:  cfg.PolicyMaxExpiry,
	})
}

func newAuthority(cfg config.Config) (usecase.CertificateAuthority, error) {
	if cfg.CertAuthorityURL == "" {
		return nil, nil
	}
	return certs.NewRemoteAuthority(cfg.CertAuthorityURL, nil)
}

type engineParams struct {
	fx.In

	Config    config.Config
	Logger    *zap.Logger
	Telemetry *telemetry.Provider
	Repo      usecase.SigningRepository
	Documents usecase.DocumentStore
	Notifier  usecase.Notifier
	Policy    usecase.CreationPolicy
	Authority usecase.CertificateAuthority
	IDs       *ids.Generator
	Metrics   *metrics.Prometheus
}

func newEngine(p engineParams) *usecase.Engine {
	cfg := p.Config
	return usecase.NewEngine(usecase.Deps{
		Repo:      p.Repo,
		Documents: p.Documents,
		Notifier:  p.Notifier,
		Inspector: &certs.Inspector{},
		Authority: p.Authority,
		Policy:    p.Policy,
		IDs:       p.IDs,
		Metrics:   p.Metrics,
		Logger:    p.Logger.Named("engine"),
		Tracer:    p.Telemetry.Tracer(),
		Settings: usecase.Settings{
			BaseURL:                cfg.BaseURL,
			CodeLength:             cfg.CodeLength,
			CodeTTL:                cfg.CodeTTL,
			CodeCooldown:           cfg.CodeCooldown,
			CodeMaxAttempts:        cfg.CodeMaxAttempts,
			MaxSignatureImageBytes: cfg.MaxSignatureBytes,
			VerifyDocumentOnSign:   cfg.VerifyDocumentOnSig,
			NotifyConcurrency:      cfg.NotifyConcurrency,
		},
	})
}

func newServer(cfg config.Config, log *zap.Logger, engine *usecase.Engine, limiter domain.RateLimiter, m *metrics.Prometheus, store *db.Store) *httpinfra.Server {
	deps := httpinfra.ServerDeps{
		Engine:      engine,
		RateLimiter: limiter,
		Metrics:     m,
		Logger:      log.Named("http"),
	}
	if store.Available() {
		deps.Health = store
	}
	return httpinfra.NewServer(cfg, deps)
}

func newSweeper(cfg config.Config, log *zap.Logger, engine *usecase.Engine, pool *pgxpool.Pool) *jobs.Sweeper {
	s := &jobs.Sweeper{
		Expirer:  engine.Orchestrator,
		Interval: cfg.ExpirySweepInterval,
		Batch:    cfg.ExpirySweepBatch,
		Logger:   log.Named("sweep"),
	}
	if pool != nil {
		s.Locker = &jobs.PGLocker{Pool: pool, Key: jobs.DefaultSweepLockKey}
	}
	return s
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, srv *httpinfra.Server, sweeper *jobs.Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return srv.Run(gctx) })
				g.Go(func() error { return sweeper.Run(gctx) })
				if err := g.Wait(); err != nil {
					log.Error("service stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
