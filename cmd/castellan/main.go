// Command castellan runs the security monitoring engine: channel watchers,
// the classification pipeline, correlation, response orchestration, and
// the admin surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MLidstrom/Castellan-sub009/internal/bookmark"
	"github.com/MLidstrom/Castellan-sub009/internal/broadcast"
	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/correlation"
	"github.com/MLidstrom/Castellan-sub009/internal/ignore"
	"github.com/MLidstrom/Castellan-sub009/internal/monitoring"
	"github.com/MLidstrom/Castellan-sub009/internal/pipeline"
	"github.com/MLidstrom/Castellan-sub009/internal/response"
	"github.com/MLidstrom/Castellan-sub009/internal/rules"
	"github.com/MLidstrom/Castellan-sub009/internal/store"
	"github.com/MLidstrom/Castellan-sub009/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("CASTELLAN_CONFIG", "config.yaml"), "path to YAML config")
	sourceDir := flag.String("sources", envOr("CASTELLAN_SOURCE_DIR", "./channels"), "directory of per-channel JSONL sources")
	flag.Parse()

	logger := log.New(log.Writer(), "[Castellan] ", log.LstdFlags)

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Fatalf("Config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatalf("Open %s store: %v", cfg.Store.Driver, err)
	}
	defer db.Close()

	events, err := store.NewSQLEventStore(db)
	if err != nil {
		logger.Fatalf("Event store: %v", err)
	}

	ruleStore, err := rules.NewStore(db)
	if err != nil {
		logger.Fatalf("Rule store: %v", err)
	}
	if err := ruleStore.Seed(ctx); err != nil {
		logger.Fatalf("Seed rules: %v", err)
	}

	bookmarks, closeBookmarks, err := newBookmarkStore(cfg, db)
	if err != nil {
		logger.Fatalf("Bookmark store: %v", err)
	}
	defer closeBookmarks()

	corrStore, err := correlation.NewSQLStore(db)
	if err != nil {
		logger.Fatalf("Correlation store: %v", err)
	}
	correlator := correlation.NewEngine(events, corrStore, cfg.Correlation.MinTrainingSamples)

	actions, err := response.NewSQLActionStore(ctx, db)
	if err != nil {
		logger.Fatalf("Action store: %v", err)
	}
	orchestrator := response.NewOrchestrator(actions, response.DefaultRegistry(), cfg.Response)

	bus := broadcast.NewBus(cfg.Watcher.ImmediateBroadcast)

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)

	pipe := pipeline.New(
		rules.NewNormalizer(ruleStore),
		ignore.NewEngine(cfg.Ignore),
		events,
		correlator,
		bus,
		metrics,
	)

	w := watcher.New(cfg.Watcher, watcher.NewFileSubscriber(*sourceDir), pipe, bookmarks)
	if err := w.Start(ctx); err != nil {
		logger.Fatalf("Watcher: %v", err)
	}

	monitor := monitoring.NewMonitor(15 * time.Second)
	health := store.NewHealth(db)
	monitor.Register("database", health.Probe)
	monitor.Start(ctx)

	var admin *monitoring.AdminServer
	if cfg.Admin.Addr != "" {
		admin = monitoring.NewAdminServer(cfg.Admin.Addr, monitor, registry, broadcast.NewWSHandler(bus))
		admin.Start()
	}

	go maintenanceLoop(ctx, cfg, correlator, orchestrator, logger)

	logger.Println("Engine started")
	<-ctx.Done()
	logger.Println("Shutting down")

	w.Stop()
	monitor.Stop()
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		admin.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Println("Engine stopped")
}

// maintenanceLoop ages out old correlations and expires stale pending
// actions.
func maintenanceLoop(ctx context.Context, cfg *config.Config, correlator *correlation.Engine, orchestrator *response.Orchestrator, logger *log.Logger) {
	cleanup := time.NewTicker(time.Hour)
	expire := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	defer expire.Stop()

	for {
		select {
		case <-cleanup.C:
			if n, err := correlator.CleanupOldCorrelations(ctx, time.Duration(cfg.Correlation.RetentionMaxAge)); err != nil {
				logger.Printf("Correlation cleanup failed: %v", err)
			} else if n > 0 {
				logger.Printf("Cleaned up %d old correlations", n)
			}
		case <-expire.C:
			if n, err := orchestrator.ExpirePending(ctx); err != nil {
				logger.Printf("Action expiry sweep failed: %v", err)
			} else if n > 0 {
				logger.Printf("Expired %d pending actions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(path string, logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		logger.Printf("Config %s not found, using defaults", path)
		cfg = &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return nil, err
}

func newBookmarkStore(cfg *config.Config, db *store.DB) (bookmark.Store, func(), error) {
	if cfg.Store.Redis.Addr != "" {
		rs, err := bookmark.NewRedisStore(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
	ss, err := bookmark.NewSQLStore(db)
	if err != nil {
		return nil, nil, err
	}
	return ss, func() {}, nil
}
