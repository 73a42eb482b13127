package main

// @title           Marketplace Orchestrator API
// @version         1.0
// @description     Tool-call gateway for AI agents operating a marketplace seller account. Mirrors listings locally, reconciles them on a schedule and routes every outbound call through a quota-aware, idempotent gateway.

// @contact.name   Custodia Labs
// @contact.url    https://github.com/custodia-labs/marketplace-orchestrator/issues

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api/v1
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT Bearer token. Format: "Bearer {token}"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/alert"
	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/auth"
	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/marketplace"
	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/metrics"
	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/postgres"
	postgresqueue "github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/queue/postgres"
	redisadapter "github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driven/redis"
	"github.com/custodia-labs/marketplace-orchestrator/internal/adapters/driving/http"
	"github.com/custodia-labs/marketplace-orchestrator/internal/config"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/services"
	"github.com/custodia-labs/marketplace-orchestrator/internal/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	agentID := flag.String("agent", "", "agent id for the token command")
	scope := flag.String("scope", domain.ScopeTools, "scope for the token command (tools or operator)")
	flag.Parse()

	// Run mode from RUN_MODE or the first positional argument
	mode := getEnv("RUN_MODE", "all")
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if mode == "token" {
		issueToken(cfg, *agentID, *scope)
		return
	}

	log.Printf("marketplace-orchestrator %s starting in %s mode", version, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	// ===== Initialize PostgreSQL =====
	log.Println("Connecting to PostgreSQL...")
	db, err := postgres.Connect(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	log.Println("PostgreSQL connected and schema initialized")

	listings := postgres.NewListingStore(db)
	ledger := postgres.NewIdempotencyLedger(db)
	conflicts := postgres.NewConflictStore(db)
	schedulerStore := postgres.NewSchedulerStore(db)
	orders := postgres.NewOrderStore(db)
	audit := postgres.NewAuditStore(db)
	jobQueue := postgresqueue.NewQueue(db.DB).WithLease(cfg.Worker.JobLease)

	encryptor, err := postgres.NewSecretEncryptorFromMaster([]byte(cfg.Security.MasterKey), postgres.TokenKeyPurpose)
	if err != nil {
		log.Fatalf("Failed to create token encryptor: %v", err)
	}
	tokens := postgres.NewTokenStore(db, encryptor)

	// ===== Initialize Redis (optional) =====
	var (
		quotaStore  driven.QuotaStore      = postgres.NewQuotaStore(db)
		lock        driven.DistributedLock = postgres.NewAdvisoryLock(db)
		cache       driven.IdempotencyCache
		redisPinger http.Pinger
	)
	if cfg.Redis.URL != "" {
		log.Println("Connecting to Redis...")
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		redisLock := redisadapter.NewLock(redisClient)
		quotaStore = redisadapter.NewQuotaStore(redisClient)
		lock = redisLock
		cache = redisadapter.NewIdempotencyCache(redisClient)
		redisPinger = redisLock
		log.Println("Redis connected, using Redis for quota, locks and idempotency cache")
	} else {
		log.Println("Redis not configured, using PostgreSQL for quota and locks")
	}

	// ===== Alerts =====
	alerters := alert.Fanout{alert.NewLogAlerter(logger)}
	if cfg.RabbitMQ.URL != "" {
		publisher, err := alert.NewPublisher(alert.Config{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			RoutingPrefix: cfg.RabbitMQ.RoutingPrefix,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer publisher.Close()
		alerters = append(alerters, publisher)
		log.Println("RabbitMQ alert publisher connected")
	}

	promMetrics := metrics.NewPrometheus()

	// ===== Marketplace =====
	client := marketplace.NewClient(marketplace.Config{
		BaseURL:  cfg.Marketplace.BaseURL,
		AppID:    cfg.Marketplace.AppID,
		DevID:    cfg.Marketplace.DevID,
		PageSize: cfg.Marketplace.PageSize,
		Timeout:  cfg.Marketplace.Timeout,
	})
	tokenSource := marketplace.NewTokenSource(marketplace.TokenSourceConfig{
		TokenURL:    cfg.Marketplace.TokenURL,
		Credentials: cfg.Credentials(),
		Store:       tokens,
		Logger:      logger,
	})

	policies, err := cfg.QuotaPolicies()
	if err != nil {
		log.Fatalf("Invalid quota policies: %v", err)
	}

	// ===== Services =====
	gateway := services.NewGateway(services.GatewayConfig{
		Client:           client,
		Credentials:      tokenSource,
		Quota:            quotaStore,
		Ledger:           ledger,
		Cache:            cache,
		Metrics:          promMetrics,
		Logger:           logger,
		Policies:         policies,
		MaxAttempts:      cfg.Gateway.MaxAttempts,
		InitialBackoff:   cfg.Gateway.InitialBackoff,
		MaxBackoff:       cfg.Gateway.MaxBackoff,
		QuotaWaitCeiling: cfg.Gateway.QuotaWaitCeiling,
		CallTimeout:      cfg.Gateway.CallTimeout,
		BurstRPS:         cfg.Gateway.BurstRPS,
		IdempotencyTTL:   cfg.Idempotency.TTL,
		Lease:            cfg.Idempotency.Lease,
	})

	reconciler := services.NewReconciler(services.ReconcilerConfig{
		Store:     listings,
		Gateway:   gateway,
		Queue:     jobQueue,
		Conflicts: conflicts,
		Alerter:   alerters,
		Logger:    logger,
		PageSize:  cfg.Marketplace.PageSize,
	})

	scheduler := services.NewScheduler(services.SchedulerConfig{
		Store:                schedulerStore,
		Queue:                jobQueue,
		Ledger:               ledger,
		Lock:                 lock,
		Logger:               logger,
		PollInterval:         cfg.Scheduler.PollInterval,
		ReconcileInterval:    cfg.Scheduler.ReconcileInterval,
		HousekeepingInterval: cfg.Scheduler.HousekeepingInterval,
		JobRetention:         cfg.Scheduler.JobRetention,
		LockTTL:              cfg.Scheduler.LockTTL,
		LockRequired:         true,
	})

	analyzer := services.NewAnalyzer(services.AnalyzerConfig{Store: listings, Orders: orders})

	dispatcher := services.NewDispatcher(services.DispatcherConfig{
		Gateway:   gateway,
		Store:     listings,
		Orders:    orders,
		Queue:     jobQueue,
		Refresher: scheduler,
		Applier:   reconciler,
		Analyzer:  analyzer,
		Audit:     audit,
		Logger:    logger,
	})

	jobService := services.NewJobService(services.JobServiceConfig{
		Queue:     jobQueue,
		Scheduler: scheduler,
		Logger:    logger,
	})

	conflictService := services.NewConflictService(services.ConflictServiceConfig{
		Conflicts:  conflicts,
		Store:      listings,
		Queue:      jobQueue,
		Reconciler: reconciler,
		Logger:     logger,
	})

	server := http.NewServer(http.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Version:        version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, http.Deps{
		Dispatcher: dispatcher,
		Jobs:       jobService,
		Conflicts:  conflictService,
		Schedules:  scheduler,
		Auth:       auth.NewAdapter(cfg.Auth.JWTSecret),
		Audit:      audit,
		Metrics:    promMetrics.Handler(),
		DB:         db,
		Redis:      redisPinger,
		JobQueue:   jobQueue,
		Logger:     logger,
	})

	workerCfg := worker.WorkerConfig{
		JobQueue:       jobQueue,
		Runner:         reconciler,
		Alerter:        alerters,
		Metrics:        promMetrics,
		Logger:         logger,
		Concurrency:    cfg.Worker.Concurrency,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
		JobLease:       cfg.Worker.JobLease,
	}
	if cfg.SchedulerEnabled() {
		workerCfg.Scheduler = scheduler
	} else {
		log.Println("Scheduler disabled via scheduler.enabled=false")
	}

	switch mode {
	case "api":
		runAPI(server)

	case "worker":
		runWorkerMode(ctx, worker.NewWorker(workerCfg))

	case "all":
		go runWorkerMode(ctx, worker.NewWorker(workerCfg))
		runAPI(server)

	default:
		log.Fatalf("Unknown mode: %s (use: api, worker, all or token)", mode)
	}
}

func runAPI(server *http.Server) {
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// runWorkerMode runs the job pool and the scheduler until ctx is cancelled.
func runWorkerMode(ctx context.Context, w *worker.Worker) {
	log.Println("Starting worker mode...")

	if err := w.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Println("Worker started, processing jobs...")
	log.Println("Worker handles:")
	log.Println("  - full_reconcile: page through every remote listing")
	log.Println("  - single_item_refresh: refetch one listing")
	log.Println("  - push_update: push local edits with a version check")

	<-ctx.Done()

	log.Println("Stopping worker...")
	w.Stop()
	log.Println("Worker stopped")
}

// issueToken prints a signed agent token to stdout.
func issueToken(cfg *config.Config, agentID, scope string) {
	adapter := auth.NewAdapter(cfg.Auth.JWTSecret)
	token, claims, err := adapter.IssueToken(agentID, scope, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	log.Printf("Issued %s token for %s, expires %s", claims.Scope, claims.AgentID, time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
	fmt.Println(token)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
