/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the scheduling engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration (viper)
  2. Build the logger (zap)
  3. Open the store (SQLite, or in-memory for ":memory:")
  4. Connect Redis when enabled: policy cache, dead letters, replay lock
  5. Start the audit dispatcher (and the dead-letter replay scheduler)
  6. Build the engine, optionally seed policies from a YAML file
  7. Configure HTTP router and start serving

COMMAND-LINE FLAGS:
  -config    Config file path (default: ./config.yaml or ./config/config.yaml)
  -port      HTTP server port, overrides server.port
  -db        Store path, overrides db.path. ":memory:" uses the in-process store
  -policies  YAML policy set to apply at startup (see factory/policy.go)
  -tenant    Tenant the -policies file belongs to

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the replay scheduler, drain the audit queue
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/schedule.db"
  ./server -db=":memory:" -policies=policies.yaml -tenant=demo
  SCHED_REDIS_ENABLED=true SCHED_LOG_FORMAT=console ./server

SEE ALSO:
  - config/config.go: all configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/schedule-engine/api"
	"github.com/warp/schedule-engine/audit"
	"github.com/warp/schedule-engine/cache"
	"github.com/warp/schedule-engine/config"
	"github.com/warp/schedule-engine/factory"
	"github.com/warp/schedule-engine/logging"
	"github.com/warp/schedule-engine/schedule"
	"github.com/warp/schedule-engine/schedule/store"
	"github.com/warp/schedule-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "Store path (overrides config); \":memory:\" for in-process")
	policiesPath := flag.String("policies", "", "YAML policy set applied at startup")
	tenant := flag.String("tenant", "", "Tenant for -policies")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *policiesPath, *tenant); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, policiesPath, tenant string) error {
	logger.Info("starting schedule engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("db", cfg.Database.Path),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	// Store
	txStore, reset, closeStore, err := openStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Redis (optional)
	var rdb *redis.Client
	var scheduler *audit.ReplayScheduler
	var dead audit.DeadLetters = audit.NewMemoryDeadLetters()
	var policies schedule.PolicySource = schedule.StorePolicies{}
	sink := audit.LogSink{Log: logger.Named("audit")}
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}

		dead = audit.NewRedisDeadLetters(rdb, "")
		policies = cache.NewRedisPolicies(rdb, cfg.PolicyCache.TTL, logger.Named("policy-cache"))
		scheduler = audit.NewReplayScheduler(&audit.Replayer{
			Locker:  redislock.New(rdb),
			Dead:    dead,
			Sink:    sink,
			LockTTL: cfg.Audit.ReplayLockTTL,
			Log:     logger.Named("audit-replay"),
		}, cfg.Audit.ReplayInterval, logger)
	}

	// Audit
	dispatcher := audit.NewDispatcher(sink, dead, audit.Config{
		QueueSize:      cfg.Audit.QueueSize,
		MaxAttempts:    cfg.Audit.MaxAttempts,
		InitialBackoff: cfg.Audit.InitialBackoff,
		MaxBackoff:     cfg.Audit.MaxBackoff,
	}, logger.Named("audit"))
	dispatcher.Start()
	if scheduler != nil {
		scheduler.Start()
	}

	// Engine
	weekStart, err := cfg.Detector.WeekStartDay()
	if err != nil {
		return err
	}
	engine := schedule.NewEngine(txStore,
		schedule.WithDetector(schedule.NewDetector(cfg.Detector.OverlapGrace, weekStart, schedule.SystemClock)),
		schedule.WithPolicySource(policies),
		schedule.WithAudit(dispatcher),
		schedule.WithLogger(logger.Named("engine")),
	)

	if policiesPath != "" {
		if err := seedPolicies(context.Background(), engine, policiesPath, tenant); err != nil {
			return err
		}
		logger.Info("policies seeded", zap.String("file", policiesPath), zap.String("tenant_id", tenant))
	}

	// HTTP
	handler := api.NewHandler(engine, txStore, logger)
	handler.Reset = reset
	router := api.NewRouter(handler, logger.Named("http"), cfg.Server.CORS.AllowOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := dispatcher.Close(ctx); err != nil {
		logger.Error("audit queue not fully drained", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the transactional store plus its reset and close hooks.
func openStore(path string) (schedule.TxStore, func(context.Context) error, func(), error) {
	if path == ":memory:" {
		mem := store.NewMemory()
		reset := func(context.Context) error {
			mem.Reset()
			return nil
		}
		return mem, reset, func() {}, nil
	}
	db, err := sqlite.New(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return db, db.Reset, func() { db.Close() }, nil
}

func seedPolicies(ctx context.Context, engine *schedule.Engine, path, tenant string) error {
	if tenant == "" {
		return errors.New("-tenant is required with -policies")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policies: %w", err)
	}
	set, err := factory.NewPolicyFactory().ParseYAMLSet(tenant, body)
	if err != nil {
		return err
	}
	system := schedule.Caller{UserID: "system", TenantID: tenant, Roles: []string{schedule.RoleOwnerAdmin}}
	for _, p := range set {
		if _, err := engine.SavePolicy(ctx, system, p); err != nil {
			return fmt.Errorf("seed policy for site %q: %w", p.SiteID, err)
		}
	}
	return nil
}
