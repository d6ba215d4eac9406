package httpapi

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/farm-weather/internal/cache"
	"github.com/i474232898/farm-weather/internal/common"
	"github.com/i474232898/farm-weather/internal/irrigation"
	"github.com/i474232898/farm-weather/internal/store"
	"github.com/i474232898/farm-weather/internal/weather"
)

var validate = validator.New()

// Syncer runs a weather sync.
type Syncer interface {
	SyncAll(ctx context.Context, opts weather.SyncOptions) (weather.SyncReport, error)
}

// WaterService computes water consumption.
type WaterService interface {
	GetWaterConsumptionForField(ctx context.Context, fieldID string) (*irrigation.FieldWaterResult, error)
	GetWaterConsumptionForUser(ctx context.Context, userID string) ([]irrigation.FieldWaterResult, error)
}

// WellService aggregates well weather.
type WellService interface {
	GetWeatherDataForWell(ctx context.Context, wellID string) (*irrigation.WellWeatherResult, error)
	GetWeatherSummaryForUserWells(ctx context.Context, userID string) ([]irrigation.WellWeatherResult, error)
}

// CacheAdmin is the cache surface exposed to operators.
type CacheAdmin interface {
	Stats() cache.Stats
	CleanExpired() int
	Clear()
	ClearByPattern(pattern string) int
}

// Deps are the services behind the routes. An empty CronAPIKey leaves the cron
// routes open; an empty AdminAPIKey closes the cache admin routes.
type Deps struct {
	Sync        Syncer
	Water       WaterService
	Wells       WellService
	Cache       CacheAdmin
	CronAPIKey  string
	AdminAPIKey string
	// Gatherer serves /metrics. nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	metrics := promhttp.Handler()
	if d.Gatherer != nil {
		metrics = promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics))

	v1 := app.Group("/api/v1")

	cron := v1.Group("/cron", apiKeyGuard("X-API-Key", d.CronAPIKey, fiber.StatusUnauthorized, true))
	cron.Get("/weather-sync", syncHandler(d.Sync))
	cron.Post("/weather-sync", syncHandler(d.Sync))

	v1.Get("/water-consumption/:fieldId", func(c *fiber.Ctx) error {
		fieldID := c.Params("fieldId")
		res, err := d.Water.GetWaterConsumptionForField(c.UserContext(), fieldID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "field not found")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute water consumption")
		}
		if res.MissingReason != "" {
			return c.JSON(fiber.Map{
				"fieldId":       res.FieldID,
				"fieldName":     res.FieldName,
				"missingReason": res.MissingReason,
			})
		}
		return c.JSON(res)
	})

	v1.Get("/water-consumption", requireUser, func(c *fiber.Ctx) error {
		results, err := d.Water.GetWaterConsumptionForUser(c.UserContext(), userID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute water consumption")
		}
		return c.JSON(fiber.Map{
			"fields":  results,
			"summary": irrigation.Summarize(results),
		})
	})

	v1.Get("/weather/wells", requireUser, func(c *fiber.Ctx) error {
		wells, err := d.Wells.GetWeatherSummaryForUserWells(c.UserContext(), userID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load well weather")
		}
		return c.JSON(fiber.Map{
			"wells":   wells,
			"summary": irrigation.SummarizeWells(wells),
		})
	})

	v1.Get("/weather/wells/:wellId", func(c *fiber.Ctx) error {
		wellID := c.Params("wellId")
		res, err := d.Wells.GetWeatherDataForWell(c.UserContext(), wellID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load well weather")
		}
		if res == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"wellId":        wellID,
				"missingReason": "well not found or no weather data",
			})
		}
		return c.JSON(res)
	})

	admin := v1.Group("/weather/cache", apiKeyGuard("X-Admin-Key", d.AdminAPIKey, fiber.StatusForbidden, false))
	admin.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"cache": d.Cache.Stats()})
	})
	admin.Delete("/stats", cacheCleanupHandler(d.Cache))
}

// syncQuery holds query parameters for the cron sync endpoint.
type syncQuery struct {
	FieldIDs     string `query:"fieldIds"`
	ChunkSize    int    `query:"chunkSize" validate:"gte=0,lte=50"`
	PastDays     int    `query:"pastDays" validate:"gte=0,lte=92"`
	ForecastDays int    `query:"forecastDays" validate:"gte=0,lte=16"`
}

func syncHandler(s Syncer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var q syncQuery
		if err := c.QueryParser(&q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		report, err := s.SyncAll(c.UserContext(), weather.SyncOptions{
			FieldIDs:     common.SplitList(q.FieldIDs),
			ChunkSize:    q.ChunkSize,
			PastDays:     q.PastDays,
			ForecastDays: q.ForecastDays,
		})
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "weather sync failed",
				"detail": err.Error(),
				"report": report,
			})
		}
		return c.JSON(fiber.Map{
			"ok":        true,
			"runId":     report.RunID,
			"processed": report.ProcessedFields,
			"skipped":   report.SkippedFields,
			"hourly":    report.HourlyUpserts,
			"daily":     report.DailyUpserts,
			"features":  report.FeatureUpserts,
			"messages":  report.Messages,
		})
	}
}

func cacheCleanupHandler(ch CacheAdmin) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Query("action") {
		case "cleanup":
			n := ch.CleanExpired()
			return c.JSON(fiber.Map{"cleaned": n})
		case "clear":
			ch.Clear()
			return c.JSON(fiber.Map{"cleared": true})
		case "pattern":
			pattern := c.Query("pattern")
			if pattern == "" {
				return fiber.NewError(fiber.StatusBadRequest, "pattern is required")
			}
			return c.JSON(fiber.Map{"cleared": ch.ClearByPattern(pattern), "pattern": pattern})
		default:
			return fiber.NewError(fiber.StatusBadRequest, "unknown action "+strconv.Quote(c.Query("action")))
		}
	}
}
