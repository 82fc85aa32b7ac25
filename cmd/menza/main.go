// Menza - live crowd levels for student restaurants.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/menza-app/menza/internal/api"
	"github.com/menza-app/menza/internal/bus"
	"github.com/menza-app/menza/internal/cache"
	"github.com/menza-app/menza/internal/catalog"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/repository"
	"github.com/menza-app/menza/internal/rules"
	"github.com/menza-app/menza/internal/service"
	"github.com/menza-app/menza/internal/spike"
	"github.com/menza-app/menza/internal/store"
	"github.com/menza-app/menza/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// journalPruneInterval is how often expired reports are removed from the journal.
const journalPruneInterval = time.Hour

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("MENZA_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting menza",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := loadConfig()

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		slog.Error("failed to load restaurant catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("catalog loaded", "restaurants", cat.Len(), "cities", cat.Cities())

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Operator spike rules run next to the built-in triggers.
	engine, err := rules.NewEngine(envInt("MENZA_RULE_WORKERS", 16))
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	crowdStore := store.New(spike.NewDetector(engine))

	svc := service.New(service.Deps{
		Catalog: cat,
		Store:   crowdStore,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Rules:   engine,
	}, cfg.Crowd)

	if err := svc.Restore(ctx); err != nil {
		slog.Error("failed to restore crowd state", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	go svc.RunJournalPruner(ctx, journalPruneInterval)

	// Gateways publish reports on the bus; the worker feeds them to the service.
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("MENZA_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, repo, cacheImpl, busImpl, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("menza is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("menza shutdown complete")
}

// loadConfig picks the tier defaults and applies environment overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("MENZA_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	cfg.Server.Host = envStr("MENZA_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("MENZA_PORT", cfg.Server.Port)
	cfg.CatalogPath = envStr("MENZA_CATALOG", cfg.CatalogPath)

	cfg.Repository.SQLitePath = envStr("MENZA_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = envStr("MENZA_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = envInt("MENZA_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresDB = envStr("MENZA_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresUser = envStr("MENZA_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = envStr("MENZA_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)

	cfg.Cache.RedisAddr = envStr("MENZA_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = envStr("MENZA_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.NATSUrl = envStr("MENZA_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = envStr("MENZA_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = envStr("MENZA_NATS_QUEUE", cfg.EventBus.NATSQueueGroup)

	cfg.Crowd.MaxReportsPerUser = envInt("MENZA_MAX_REPORTS_PER_USER", cfg.Crowd.MaxReportsPerUser)
	cfg.Crowd.ReportCooldown = envDuration("MENZA_REPORT_COOLDOWN", cfg.Crowd.ReportCooldown)
	cfg.Crowd.ViewCacheTTL = envDuration("MENZA_VIEW_CACHE_TTL", cfg.Crowd.ViewCacheTTL)

	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                  MENZA                    ║")
	fmt.Println("  ║      Live crowd levels for canteens       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /restaurants                - Crowd board (?city=)")
	fmt.Println("    GET  /restaurants/{id}/crowd     - Crowd view")
	fmt.Println("    GET  /restaurants/{id}/reports   - Live reports")
	fmt.Println("    POST /restaurants/{id}/reports   - Submit a report (X-User-ID)")
	fmt.Println("    PUT  /restaurants/{id}/verified  - Set verified flag")
	fmt.Println("    GET  /compare?a=&b=              - Compare two restaurants")
	fmt.Println("    GET  /heatmap?city=&slot=        - Crowd heatmap")
	fmt.Println("    GET  /users/{id}/profile         - Trust profile")
	fmt.Println("    PUT  /users/{id}/profile         - Replace trust profile")
	fmt.Println("    POST /users/{id}/reviews         - Credit a review")
	fmt.Println("    GET  /spike-rules                - List spike rules")
	fmt.Println("    GET  /spike-rules/{id}           - Get a spike rule")
	fmt.Println("    POST /spike-rules                - Create a spike rule")
	fmt.Println("    POST /spike-rules/reload         - Hot-reload spike rules")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
