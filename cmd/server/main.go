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

	"tempmail/mailcore/internal/auth"
	jwtpkg "tempmail/mailcore/internal/auth/jwt"
	"tempmail/mailcore/internal/cache"
	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/filter"
	"tempmail/mailcore/internal/health"
	"tempmail/mailcore/internal/logger"
	"tempmail/mailcore/internal/middleware"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/notifier"
	"tempmail/mailcore/internal/pool"
	"tempmail/mailcore/internal/quota"
	"tempmail/mailcore/internal/retention"
	"tempmail/mailcore/internal/security"
	"tempmail/mailcore/internal/service"
	"tempmail/mailcore/internal/smtp"
	"tempmail/mailcore/internal/storage"
	"tempmail/mailcore/internal/storage/filesystem"
	"tempmail/mailcore/internal/storage/memory"
	"tempmail/mailcore/internal/storage/postgres"
	redisstore "tempmail/mailcore/internal/storage/redis"
	sqlstore "tempmail/mailcore/internal/storage/sql"
	httptransport "tempmail/mailcore/internal/transport/http"
)

const version = "1.0.0"

// main 启动同时包含 HTTP API、SMTP 接收与过期清理的综合服务。
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

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
		Service:     "mailcore",
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting tempmail server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

// closers 按注册的逆序释放资源
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()

	metrics := monitoring.NewMetrics()
	checker := health.NewChecker(log)

	// 存储层：配置了数据库时使用 SQL，否则使用内存
	var (
		store    storage.Store
		memStore *memory.Store
	)
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		sqlStore, err := sqlstore.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("initialize database storage: %w", err)
		}
		cleanup.add(func() { _ = sqlStore.Close() })
		checker.AddReadiness("database", sqlStore.Health)
		store = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		memStore = memory.NewStore()
		store = memStore
		log.Info("using memory storage (development mode)")
	}

	var blobs storage.BlobStore
	if cfg.Storage.Path != "" {
		fsStore, err := filesystem.NewStore(cfg.Storage.Path, log)
		if err != nil {
			return fmt.Errorf("initialize filesystem storage: %w", err)
		}
		checker.AddReadiness("blob_storage", fsStore.Health)
		blobs = fsStore
	}

	// Redis 只在配额或多节点推送需要时连接
	var rdb *redisstore.Client
	if cfg.Quota.Backend == "redis" || cfg.Notifier.RedisBridge {
		client, err := redisstore.New(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		cleanup.add(func() { _ = client.Close() })
		checker.AddReadiness("redis", client.Health)
		rdb = client
	}

	quotaRepo, housekeeping, err := buildQuotaBackend(ctx, cfg, log, rdb, memStore, &cleanup, checker)
	if err != nil {
		return err
	}

	bus := events.NewBus(log)
	locks := pool.NewKeyedMutex(256)
	workers := pool.NewWorkerPool(cfg.Sweeper.Workers, cfg.Sweeper.BatchSize, log)

	guard := quota.NewGuard(quotaRepo, cfg.Tiers, log, quota.WithMetrics(metrics))
	guard.Attach(bus)

	domainCache := cache.NewLocalCache[*domain.MailDomain](time.Minute)
	domains := service.NewDomainService(store, domainCache, cfg.SMTP.Domain, log, service.WithTierPolicies(cfg.Tiers))
	if err := importGlobalDomains(ctx, domains, cfg.Mailbox.AllowedDomains, log); err != nil {
		return err
	}

	opts := []service.Option{service.WithMetrics(metrics)}
	if blobs != nil {
		opts = append(opts, service.WithBlobStore(blobs))
	}
	mailboxes := service.NewMailboxService(store, domains, guard, bus, locks, cfg.Tiers, cfg.Mailbox, log, opts...)
	messages := service.NewMessageService(store, mailboxes, guard, bus, locks, log, opts...)

	filters, err := filter.NewService(ctx, store, security.NewAttachmentScanner(cfg.SMTP.MaxMessageBytes), log)
	if err != nil {
		return fmt.Errorf("load filter rules: %w", err)
	}
	if cfg.Filter.RulesFile != "" {
		rf, err := filter.LoadRulesFile(cfg.Filter.RulesFile)
		if err != nil {
			return fmt.Errorf("load rules file: %w", err)
		}
		if err := filters.UseRulesFile(ctx, rf); err != nil {
			return fmt.Errorf("apply rules file: %w", err)
		}
		log.Info("filter rules file loaded", zap.String("path", cfg.Filter.RulesFile))
	}

	notify := notifier.New(cfg.Notifier, log,
		notifier.WithMetrics(metrics),
		notifier.WithMailboxCheck(func(ctx context.Context, address string) error {
			_, err := mailboxes.Resolve(ctx, address)
			return err
		}),
	)
	notify.Attach(bus)
	var bridge *notifier.Bridge
	if cfg.Notifier.RedisBridge {
		bridge = notifier.NewBridge(rdb, notify, log)
	}

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	bootstrapKeys := auth.NewAPIKeyVerifier(cfg.Admin.APIKeyHashes)
	if !bootstrapKeys.Enabled() {
		log.Warn("no bootstrap admin api keys configured, only database keys are accepted")
	}
	apiKeys := service.NewAPIKeyService(store, bootstrapKeys, log)
	adminAuth := middleware.NewAdminAuth(apiKeys, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Mailboxes: mailboxes,
		Messages:  messages,
		Domains:   domains,
		Filters:   filters,
		Notifier:  notify,
		JWT:       jwtManager,
		APIKeys:   apiKeys,
		AdminAuth: adminAuth,
		Metrics:   metrics,
		Health:    checker,
		Logger:    log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// SSE 与 WebSocket 是长连接，不设置写超时
		IdleTimeout: 120 * time.Second,
	}

	limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.ConnRatePerIP, cfg.SMTP.ConnBurstPerIP)
	smtpServer := smtp.NewServer(smtp.NewBackend(mailboxes, messages, domains, cfg.SMTP, log,
		smtp.WithFilter(filters),
		smtp.WithLimiter(limiter),
		smtp.WithMetrics(metrics),
	))

	sweeperOpts := []retention.Option{retention.WithMetrics(metrics)}
	if blobs != nil {
		sweeperOpts = append(sweeperOpts, retention.WithBlobStore(blobs))
	}
	if housekeeping != nil {
		sweeperOpts = append(sweeperOpts, retention.WithHousekeeping("quota", housekeeping))
	}
	sweeper := retention.NewSweeper(store, bus, locks, workers, cfg.Sweeper, log, sweeperOpts...)

	group, groupCtx := errgroup.WithContext(ctx)
	workers.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	group.Go(func() error {
		limiter.Run(groupCtx, time.Minute)
		return nil
	})

	group.Go(func() error {
		domainCache.Run(groupCtx, time.Minute)
		return nil
	})

	group.Go(func() error {
		apiKeys.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		adminAuth.Run(groupCtx)
		return nil
	})

	if bridge != nil {
		group.Go(func() error {
			return bridge.Run(groupCtx)
		})
	}

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		notify.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	return group.Wait()
}

// buildQuotaBackend 按配置选择配额计数后端，返回可选的过期计数清理任务
func buildQuotaBackend(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redisstore.Client,
	memStore *memory.Store,
	cleanup *closers,
	checker *health.Checker,
) (storage.QuotaRepository, retention.HousekeepingFunc, error) {
	window := longestWindow(cfg.Tiers)

	switch cfg.Quota.Backend {
	case "redis":
		// 计数键带过期时间，无需清理
		log.Info("using redis quota backend")
		return redisstore.NewQuotaStore(rdb), nil, nil

	case "postgres":
		client, err := postgres.New(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup.add(client.Close)
		checker.AddReadiness("postgres_quota", client.Health)

		qs, err := postgres.NewQuotaStore(ctx, client)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using postgres quota backend")
		return qs, func(ctx context.Context, now time.Time) error {
			n, err := qs.PruneQuotas(ctx, now, window)
			if err == nil && n > 0 {
				log.Debug("quota counters pruned", zap.Int64("count", n))
			}
			return err
		}, nil
	}

	// 数据库存储也可以搭配内存计数，单节点部署足够
	if memStore == nil {
		memStore = memory.NewStore()
	}
	log.Info("using memory quota backend")
	return memStore, func(_ context.Context, now time.Time) error {
		if n := memStore.PruneQuotas(now, window); n > 0 {
			log.Debug("quota counters pruned", zap.Int("count", n))
		}
		return nil
	}, nil
}

func longestWindow(policies domain.TierPolicies) time.Duration {
	var window time.Duration
	for _, tier := range domain.Tiers {
		if w := policies.For(tier).Window; w > window {
			window = w
		}
	}
	return window
}

// importGlobalDomains 将配置中的域名导入为全局域名，已存在的会被重新启用
func importGlobalDomains(ctx context.Context, domains *service.DomainService, names []string, log *zap.Logger) error {
	for _, name := range names {
		d, err := domains.EnsureGlobal(ctx, name)
		if err != nil {
			return fmt.Errorf("import global domain %s: %w", name, err)
		}
		log.Info("global domain ready", zap.String("domain", d.Name))
	}
	return nil
}
