package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"market-intel/api"
	"market-intel/config"
	"market-intel/models"
	"market-intel/platforms"
	"market-intel/scraper"
	"market-intel/services"
	"market-intel/storage"
	"market-intel/utils"
)

func main() {
	once := flag.Bool("once", false, "run one scrape pass, print the report and exit")
	activate := flag.String("activate", "", "enable scraping for this organization id and exit")
	platformList := flag.String("platforms", "spitogatos,xe,tospitimou", "platforms for -activate (comma separated)")
	maxPages := flag.Int("max-pages", 3, "pages per platform for -activate")
	flag.Parse()

	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("=== Market intel engine starting ===")
	logger.Info("Config: driver %s | budget %s | interval %s | retries %d | enabled %v",
		cfg.DBDriver, cfg.Budget(), cfg.ScrapeInterval(), cfg.MaxRetries, cfg.Enabled)

	dsn := cfg.DSN()
	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "sqlite3" {
		dsn = cfg.SQLitePath
	}
	store, err := storage.Open(ctx, cfg.DBDriver, dsn, logger)
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Error("Schema migration failed: %v", err)
			os.Exit(1)
		}
	}

	if *activate != "" {
		if err := activateOrg(ctx, store, *activate, *platformList, *maxPages, cfg.ScrapeIntervalHours); err != nil {
			logger.Error("Activation failed: %v", err)
			os.Exit(1)
		}
		logger.Info("Organization %s activated for %s", *activate, *platformList)
		return
	}

	registry, err := loadRegistry(cfg.PlatformsFile)
	if err != nil {
		logger.Error("Failed to load platform catalog: %v", err)
		os.Exit(1)
	}
	logger.Info("Platforms: %s", strings.Join(registry.IDs(), ", "))

	fetcher := scraper.New(scraper.Options{
		Timeout:    time.Duration(cfg.HTTPTimeoutMs) * time.Millisecond,
		UserAgent:  cfg.UserAgent,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  time.Duration(cfg.RetryBaseMs) * time.Millisecond,
	}, logger)

	deps := services.Deps{
		Configs:    store,
		Registry:   registry,
		Source:     services.FetcherSource(fetcher),
		Normalizer: services.NewNormalizer(registry),
		Reconciler: services.NewReconciler(store, logger),
		Recorder:   services.NewScrapeLogRecorder(store, logger),
		Logger:     logger,
	}

	if cfg.RawExportDir != "" {
		csvWriter, err := storage.NewCSVWriter(cfg.RawExportDir, time.Now())
		if err != nil {
			logger.Error("Failed to create CSV writer: %v", err)
			os.Exit(1)
		}
		defer csvWriter.Close()
		deps.RawWriter = csvWriter
		logger.Info("Raw listings will be exported to %s", csvWriter.Path())
	}

	orchestrator := services.NewOrchestrator(deps, services.RunOptions{
		Enabled:         cfg.Enabled,
		Budget:          cfg.Budget(),
		DefaultInterval: cfg.ScrapeInterval(),
	})

	if *once {
		result, err := orchestrator.Run(ctx)
		if err != nil {
			logger.Error("Scrape run failed: %v", err)
			os.Exit(1)
		}
		services.PrintReport(os.Stdout, result)
		return
	}

	if cfg.CronSecret == "" && cfg.CronSecretPrevious == "" {
		logger.Warn("CRON_SECRET is not set, /scrape accepts unauthenticated requests")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(orchestrator, store, store, logger, cfg.CronSecret, cfg.CronSecretPrevious).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Budget()+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown: %v", err)
		}
	}()

	logger.Info("Listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Stopped")
}

func loadRegistry(path string) (*platforms.Registry, error) {
	if path != "" {
		return platforms.LoadFile(path)
	}
	return platforms.LoadDefault()
}

// activateOrg creates or replaces an organization's config, due immediately.
func activateOrg(ctx context.Context, store storage.ConfigStore, orgID, list string, maxPages, intervalHours int) error {
	var ids []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, strings.ToLower(p))
		}
	}
	return store.SaveOrgConfig(ctx, &models.OrgScrapeConfig{
		OrganizationID:      orgID,
		Enabled:             true,
		Platforms:           ids,
		MaxPagesPerPlatform: maxPages,
		ScrapeIntervalHours: intervalHours,
		NextScrapeDue:       time.Now(),
	})
}
