package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "unibox/backend/internal/auth/jwt"
	"unibox/backend/internal/cache"
	"unibox/backend/internal/config"
	"unibox/backend/internal/counter"
	"unibox/backend/internal/cron"
	"unibox/backend/internal/domain"
	"unibox/backend/internal/health"
	"unibox/backend/internal/limiter"
	"unibox/backend/internal/logger"
	"unibox/backend/internal/monitoring"
	"unibox/backend/internal/pool"
	"unibox/backend/internal/reconcile"
	"unibox/backend/internal/reputation"
	"unibox/backend/internal/service"
	"unibox/backend/internal/storage"
	"unibox/backend/internal/storage/memory"
	sqlstore "unibox/backend/internal/storage/sql"
	httptransport "unibox/backend/internal/transport/http"
	"unibox/backend/internal/vendor"
)

const (
	reputationQueueSize = 256
	policyCacheSize     = 10000
)

// main 启动 HTTP API、信誉重算协程池与定时维护任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting unibox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	metrics := monitoring.NewMetrics()

	// 存储层：配置了数据库时使用关系库，否则使用内存存储（开发环境）
	store, sqlStore, err := initializeStorage(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	counters, purger, closeCounters := initializeCounters(cfg, sqlStore, metrics, log)
	defer closeCounters()

	vendorClient := vendor.NewClient(cfg.Vendor, log.Named("vendor"))
	if cfg.Vendor.APIKey == "" {
		log.Warn("vendor api key not configured, sends and account lookups will fail")
	}

	lim := limiter.New(cfg.Limiter, counters, store, store, log.Named("limiter"))
	lim.SetObserver(metrics)
	if cfg.Limiter.PolicyCacheTTL > 0 {
		policyCache := cache.NewLocalCache[*domain.WorkspacePolicy](policyCacheSize, cfg.Limiter.PolicyCacheTTL, time.Minute)
		defer policyCache.Close()
		lim.SetPolicyCache(policyCache)
	}

	agg := reputation.New(store, log.Named("reputation"))
	reconciler := reconcile.New(store, vendorClient, reconcile.Config{
		PlaceholderUserPrefix: cfg.Webhook.PlaceholderUserPrefix,
		DefaultProvider:       domain.Provider(cfg.Webhook.DefaultProvider),
	}, log.Named("reconcile"))

	workers := pool.NewWorkerPool(cfg.Maintenance.ReputationWorkers, reputationQueueSize, log.Named("workers"))

	sendService := service.NewSendService(store, lim, agg, vendorClient, reconciler, log.Named("send"))
	sendService.SetObserver(metrics)
	ingestService := service.NewIngestService(reconciler, agg, workers, log.Named("ingest"))
	ingestService.SetObserver(metrics)
	workspaceService := service.NewWorkspaceService(store, lim, agg, reconciler, log.Named("workspace"))

	if cfg.Webhook.Secret == "" {
		log.Warn("UNIBOX_WEBHOOK_SECRET is empty: webhook signatures are not verified and /v1/webhooks/feedback is not registered")
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
	)

	healthChecker := health.NewHealthChecker(store, counters, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Sender:     sendService,
		Ingest:     ingestService,
		Workspace:  workspaceService,
		JWTManager: jwtManager,
		Health:     healthChecker,
		Metrics:    metrics,
		Logger:     log.Named("http"),
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	scheduler := cron.NewManager(log.Named("cron"), metrics)
	if err := scheduler.Register(cron.DedupJob(cfg.Maintenance.DedupSchedule, reconciler, log)); err != nil {
		return err
	}
	if purger != nil {
		if err := scheduler.Register(cron.CounterPurgeJob(cfg.Maintenance.CounterPurgeSchedule, purger, log)); err != nil {
			return err
		}
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 信誉重算协程池
	workers.Start(groupCtx)
	scheduler.Start()

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		scheduler.Stop(shutdownCtx)
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// initializeStorage 选择存储实现；使用关系库时同时执行表结构迁移
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, *sqlstore.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Warn("using memory storage (development mode), data is lost on restart")
		return memory.NewStore(), nil, nil
	}

	store, err := sqlstore.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return store, store, nil
}

// initializeCounters 组装计数存储：Redis 为主，关系库（或内存）为备用路径。
// Redis 不可用时直接使用备用路径，不阻止启动。
func initializeCounters(
	cfg *config.Config,
	sqlStore *sqlstore.Store,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) (counter.Store, cron.Purger, func()) {
	var secondary counter.Store
	var purger cron.Purger
	if sqlStore != nil {
		sqlCounters := counter.NewSQLStore(sqlStore.DB())
		secondary = sqlCounters
		purger = sqlCounters
	} else {
		secondary = counter.NewMemoryStore()
	}

	if !cfg.Redis.Enabled {
		log.Info("redis disabled, counters use the durable store only")
		return secondary, purger, func() {}
	}

	rdb, err := counter.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable at startup, counters use the durable store only", zap.Error(err))
		return secondary, purger, func() {}
	}
	log.Info("redis counters enabled", zap.String("address", cfg.Redis.Address))

	primary := counter.NewRedisStore(rdb, "unibox:")
	return counter.NewFallback(primary, secondary, log.Named("counter"), metrics), purger, func() { _ = rdb.Close() }
}
