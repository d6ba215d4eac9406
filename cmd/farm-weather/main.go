package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/farm-weather/internal/agronomy"
	httpapi "github.com/i474232898/farm-weather/internal/api/http"
	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/config"
	"github.com/i474232898/farm-weather/internal/irrigation"
	"github.com/i474232898/farm-weather/internal/observability"
	"github.com/i474232898/farm-weather/internal/scheduler"
	"github.com/i474232898/farm-weather/internal/store"
	"github.com/i474232898/farm-weather/internal/weather"
	"github.com/i474232898/farm-weather/internal/weather/providers"
)

// appStore is satisfied by both store backends.
type appStore interface {
	weather.Store
	irrigation.WellStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := agronomy.LoadCatalog(cfg.CropTablePath)
	if err != nil {
		log.Error("failed to load crop table", "path", cfg.CropTablePath, "error", err)
		os.Exit(1)
	}

	var st appStore
	backend := "memory"
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool); err != nil {
			log.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		backend = "postgres"
	} else {
		st = store.NewMemoryStore(cfg.StoreMaxAge)
	}

	weatherCache := cache.New(cache.Config{
		DefaultTTL: cfg.CacheDefaultTTL,
		WeatherTTL: cfg.CacheWeatherTTL,
		WaterTTL:   cfg.CacheWaterTTL,
	}, clock, metrics)
	defer weatherCache.Close()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	provider := providers.NewOpenMeteoClient(httpClient, providers.OpenMeteoConfig{
		BaseURL:      cfg.OpenMeteoBaseURL,
		Timezone:     cfg.OpenMeteoTimezone,
		PastDays:     cfg.OpenMeteoPastDays,
		ForecastDays: cfg.OpenMeteoForecastDays,
		ChunkSize:    cfg.OpenMeteoChunkSize,
		MaxChunkSize: cfg.OpenMeteoMaxChunkSize,
		Concurrency:  cfg.OpenMeteoConcurrency,
		ChunkTimeout: cfg.OpenMeteoChunkTimeout,
		Breaker: providers.BreakerSettings{
			Timeout:             cfg.BreakerTimeout,
			ConsecutiveFailures: cfg.BreakerFailures,
		},
	}, log, metrics)

	// Geocoding needs a Google API key; without one fields fall through to the default coordinate.
	var geo weather.Geocoder
	if cfg.GeocoderAPIKey != "" {
		geo = providers.NewGoogleGeocoder(cfg.GeocoderAPIKey, cfg.GeocoderCountry)
	}

	kcMode := agronomy.KcMode(cfg.KcMode)
	syncService, err := weather.NewSyncService(st, provider, weather.SyncConfig{
		Backoff: weather.BackoffConfig{
			MaxRetries:      cfg.SyncMaxRetries,
			InitialInterval: cfg.SyncRetryInitial,
			MaxInterval:     cfg.SyncRetryMaxInterval,
		},
		DefaultCoordinates: cfg.DefaultCoords(),
		KcMode:             kcMode,
	}, weather.SyncDeps{
		Geocoder: geo,
		Cache:    weatherCache,
		Catalog:  catalog,
		Logger:   log,
		Metrics:  metrics,
		Clock:    clock,
	})
	if err != nil {
		log.Error("failed to create sync service", "error", err)
		os.Exit(1)
	}

	engine := irrigation.NewEngine(st, weatherCache, catalog, irrigation.Config{
		Location:      cfg.FarmLocation(),
		RecencyWindow: cfg.RecencyWindow,
		LookbackDays:  cfg.LookbackDays,
		HorizonDays:   cfg.HorizonDays,
		KcMode:        kcMode,
		MediumRatio:   cfg.MediumRatio,
		HighRatio:     cfg.HighRatio,
		DefaultSoil:   cfg.DefaultSoil,
		Efficiency:    cfg.IrrigationEfficiency,
	}, clock, log)
	wells := irrigation.NewWellService(st, engine)

	sched := scheduler.New(scheduler.Config{
		SyncInterval:    cfg.SyncInterval,
		SyncTimeout:     cfg.SyncTimeout,
		CleanupInterval: cfg.CacheCleanupInterval,
	}, syncService, weatherCache, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "farm-weather",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// A cron sync may take several provider round trips.
		WriteTimeout: cfg.SyncTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "farm-weather",
			"store":   backend,
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Sync:        syncService,
		Water:       engine,
		Wells:       wells,
		Cache:       weatherCache,
		CronAPIKey:  cfg.CronAPIKey,
		AdminAPIKey: cfg.AdminAPIKey,
	})
	if cfg.AdminAPIKey == "" {
		log.Warn("ADMIN_API_KEY is not set, cache admin routes are disabled")
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("fiber server stopped", "error", err)
		}
	}()
	log.Info("server started", "port", cfg.Port, "store", backend)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
}
