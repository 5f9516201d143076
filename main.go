// Package main provides the main entry point for the shopver versioning service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oroshi/shopver/app/handlers"
	"github.com/oroshi/shopver/app/router"
	"github.com/oroshi/shopver/app/scheduler"
	"github.com/oroshi/shopver/app/services"
	businessflow "github.com/oroshi/shopver/business_flow"
	"github.com/oroshi/shopver/config"
	"github.com/oroshi/shopver/models"
	"github.com/oroshi/shopver/repository"
	"github.com/oroshi/shopver/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Application holds the wired components of the running service.
type Application struct {
	config    *config.ProductionConfig
	logger    *zap.Logger
	router    router.Router
	cache     services.CacheStore
	flow      businessflow.VersionFlow
	audit     businessflow.AuditFlow
	monitor   businessflow.OperationsMonitor
	stopFuncs []func()
}

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	app, err := initializeApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer app.close()

	verb := "serve"
	if len(os.Args) > 1 {
		verb = os.Args[1]
	}

	switch verb {
	case "serve":
		app.serve()
	case "init":
		app.runInit()
	case "stats":
		app.runStats()
	case "validate":
		app.runValidate()
	case "benchmark":
		app.runBenchmark()
	case "clear":
		app.runClear()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve|init|stats|validate|benchmark|clear)\n", verb)
		os.Exit(2)
	}
}

func (a *Application) serve() {
	a.router.SetupRoutes()

	if a.cfg().Versioning.AuditInterval > 0 {
		auditSched := scheduler.NewAuditScheduler(a.audit, a.logger, a.cfg().Versioning.AuditInterval)
		a.stopFuncs = append(a.stopFuncs, auditSched.Start(context.Background()))
	}

	if a.cfg().Metrics.Enabled {
		a.stopFuncs = append(a.stopFuncs, startMetricsServer(a.cfg().Metrics, a.logger))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", a.cfg().Server.Host, a.cfg().Server.Port)
		if err := a.router.Start(address); err != nil {
			a.logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-sigChan
	a.logger.Info("shutting down gracefully")

	for _, fn := range a.stopFuncs {
		fn()
	}
	a.stopFuncs = nil

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg().Server.ShutdownTimeout)
	defer cancel()
	if err := a.router.GetApp().ShutdownWithContext(shutdownCtx); err != nil {
		a.logger.Error("error during shutdown", zap.Error(err))
	}

	a.logger.Info("server stopped")
}

func (a *Application) runInit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := a.flow.InitDefaults(ctx)
	if err != nil {
		a.logger.Fatal("init failed", zap.Error(err))
	}
	printJSON(res)
}

func (a *Application) runStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := a.flow.Stats(ctx)
	if err != nil {
		a.logger.Fatal("stats failed", zap.Error(err))
	}
	printJSON(res)

	_, warm, err := a.cache.Get(ctx, utils.GlobalVersionCacheKey)
	if err != nil {
		a.logger.Warn("global version cache lookup failed", zap.Error(err))
		return
	}
	fmt.Printf("global version cache warm: %v\n", warm)
}

// runValidate audits the ledger twice: the first pass repairs, the second
// confirms the repair held. A dirty second pass exits nonzero so cron
// alerting catches it.
func (a *Application) runValidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	first, err := a.audit.ValidateAndRepair(ctx)
	if err != nil {
		a.logger.Fatal("validation failed", zap.Error(err))
	}
	printJSON(first)
	if !first.Repaired {
		return
	}

	second, err := a.audit.ValidateAndRepair(ctx)
	if err != nil {
		a.logger.Fatal("validation re-check failed", zap.Error(err))
	}
	if len(second.Issues) > 0 {
		a.logger.Error("ledger still inconsistent after repair", zap.Strings("issues", second.Issues))
		os.Exit(1)
	}
}

func (a *Application) runBenchmark() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := a.flow.Benchmark(ctx, 1000)
	if err != nil {
		a.logger.Fatal("benchmark failed", zap.Error(err))
	}
	printJSON(res)
}

func (a *Application) runClear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.flow.ClearAll(ctx); err != nil {
		a.logger.Fatal("clear failed", zap.Error(err))
	}
	a.logger.Info("version ledger cleared")
}

func (a *Application) cfg() *config.ProductionConfig {
	return a.config
}

func (a *Application) close() {
	for _, fn := range a.stopFuncs {
		fn()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("error closing cache", zap.Error(err))
		}
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.AutoMigrate(&models.VersionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// initializeCache builds the cache store named by config. The memory
// provider exists for local development without a Redis.
func initializeCache(cfg config.CacheConfig) (services.CacheStore, error) {
	switch cfg.Provider {
	case "redis":
		return services.NewRedisCacheStore(cfg)
	case "memory":
		return services.NewMemoryCacheStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.Provider)
	}
}

// startMetricsServer exposes the Prometheus scrape endpoint on its own
// listener so operational traffic never mixes with API traffic.
func startMetricsServer(cfg config.MetricsConfig, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// initializeApplication wires repositories, services, and flows.
func initializeApplication(cfg *config.ProductionConfig, logger *zap.Logger) (*Application, error) {
	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	cache, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	versionRepo := repository.NewVersionRepository(db)
	locks := services.NewLockService(cache, logger)
	invalidator := services.NewInvalidationService(cache, logger)

	monitor := businessflow.NewMonitorFlow(
		cache,
		locks,
		&cfg.Monitor,
		businessflow.EmergencyLockPatterns(cfg.Versioning.DataTypes),
		logger,
	)
	flow := businessflow.NewVersionFlow(versionRepo, locks, invalidator, cache, &cfg.Versioning, db, monitor, logger)
	audit := businessflow.NewAuditFlow(versionRepo, locks, invalidator, &cfg.Versioning, logger)

	versionHandler := handlers.NewVersionHandler(flow, audit, monitor)
	r := router.NewFiberRouter(cfg, versionHandler, flow, logger)

	return &Application{
		config:  cfg,
		logger:  logger,
		router:  r,
		cache:   cache,
		flow:    flow,
		audit:   audit,
		monitor: monitor,
	}, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("failed to encode output: %v", err)
	}
	fmt.Println(string(out))
}
