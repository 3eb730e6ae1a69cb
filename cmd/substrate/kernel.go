package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/substrate/pkg/adapter"
	"github.com/Mindburn-Labs/substrate/pkg/config"
	"github.com/Mindburn-Labs/substrate/pkg/lease"
	"github.com/Mindburn-Labs/substrate/pkg/ledger"
	"github.com/Mindburn-Labs/substrate/pkg/memo"
	"github.com/Mindburn-Labs/substrate/pkg/observability"
	"github.com/Mindburn-Labs/substrate/pkg/orchestrator"
	"github.com/Mindburn-Labs/substrate/pkg/plan"
	"github.com/Mindburn-Labs/substrate/pkg/predicate"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
	"github.com/Mindburn-Labs/substrate/pkg/scheduler"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// kernel is every subsystem the commands share.
type kernel struct {
	cfg    *config.Config
	db     *sql.DB
	canon  *worldpath.Canonicalizer
	store  plan.Store
	ledger *ledger.Ledger
	source registry.Source
	orch   *orchestrator.Orchestrator
	obs    *observability.Provider
	redis  *redis.Client
	logger *slog.Logger
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, ledger.Dialect, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("ping postgres: %w", err)
		}
		return db, ledger.DialectPostgres, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "substrate.db")
	logger.InfoContext(ctx, "lite mode: using sqlite", "path", dbPath)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, ledger.DialectSQLite, nil
}

func openSource(ctx context.Context, cfg *config.Config, db *sql.DB) (registry.Source, error) {
	if cfg.CatalogPath != "" {
		return registry.LoadCatalog(cfg.CatalogPath)
	}
	if cfg.LiteMode() {
		return registry.NewInMemoryRegistry(), nil
	}
	pg := registry.NewPostgresRegistry(db)
	if err := pg.Init(ctx); err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	return pg, nil
}

func openKernel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *kernel, err error) {
	k := &kernel{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			k.Close(context.WithoutCancel(ctx))
		}
	}()

	if k.canon, err = worldpath.New(cfg.Facets...); err != nil {
		return nil, err
	}
	var dialect ledger.Dialect
	if k.db, dialect, err = openDB(ctx, cfg, logger); err != nil {
		return nil, err
	}
	planStore := plan.NewSQLStore(k.db)
	if err = planStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init plan store: %w", err)
	}
	k.store = planStore
	ledgerStore := ledger.NewSQLStore(k.db, dialect)
	if err = ledgerStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger store: %w", err)
	}
	k.ledger = ledger.New(ledgerStore, ledger.WithLogger(logger.With("component", "ledger")))
	if k.source, err = openSource(ctx, cfg, k.db); err != nil {
		return nil, err
	}

	w, err := world.NewStorage(ctx, world.Options{
		Type:     world.StorageType(cfg.WorldStorageType),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.WorldBucket,
		Region:   cfg.WorldRegion,
		Endpoint: cfg.WorldEndpoint,
		Prefix:   cfg.WorldPrefix,
	}, k.canon)
	if err != nil {
		return nil, fmt.Errorf("init world storage: %w", err)
	}

	policy, err := lease.ParsePolicy(cfg.LeasePolicy)
	if err != nil {
		return nil, err
	}
	leases := lease.New(policy)
	var cache memo.Cache = memo.NewMemoryCache(cfg.MemoSize)
	if cfg.RedisAddr != "" {
		k.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err = k.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		cache = memo.NewRedisCache(k.redis, 24*time.Hour)
		if policy == lease.PolicyPlan {
			leases = lease.NewRedisPlanWriter(k.redis, cfg.InvokeTimeout+time.Minute)
		}
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	if k.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}

	preds, err := predicate.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	eval := predicate.NewEvaluator(preds, predicate.WithLogger(logger.With("component", "predicate")))
	sched := scheduler.New(scheduler.Config{
		Store:     k.store,
		Ledger:    k.ledger,
		Evaluator: eval,
		Leases:    leases,
		World:     w,
		Canon:     k.canon,
		Logger:    logger.With("component", "scheduler"),
	})

	adapterOpts := []adapter.Option{
		adapter.WithHermetic(cfg.Hermetic),
		adapter.WithSecrets(adapter.EnvSecrets{Prefix: cfg.SecretsPrefix}),
	}
	adapters := adapter.Set{
		Local: adapter.NewLocal(adapter.DockerLauncher{Platform: cfg.Platform}, adapterOpts...),
	}
	if cfg.RemoteSigningKey != "" {
		adapters.Remote = adapter.NewRemote([]byte(cfg.RemoteSigningKey), adapterOpts...)
	}

	k.orch, err = orchestrator.New(orchestrator.Config{
		Store:          k.store,
		Ledger:         k.ledger,
		Scheduler:      sched,
		Evaluator:      eval,
		Registry:       k.source,
		Adapters:       adapters,
		Memo:           cache,
		World:          w,
		Canon:          k.canon,
		Platform:       cfg.Platform,
		DefaultTimeout: cfg.InvokeTimeout,
		Observability:  k.obs,
		Logger:         logger.With("component", "orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (k *kernel) Close(ctx context.Context) {
	var errs []error
	if k.obs != nil {
		errs = append(errs, k.obs.Shutdown(ctx))
	}
	if k.redis != nil {
		errs = append(errs, k.redis.Close())
	}
	if k.db != nil {
		errs = append(errs, k.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		k.logger.WarnContext(ctx, "shutdown", "error", err)
	}
}

// boot loads configuration and opens the kernel, reporting failures on
// stderr.
func boot(ctx context.Context, stderr io.Writer) (*kernel, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	logger := newLogger(cfg.LogLevel, stderr)
	k, err := openKernel(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return k, true
}
