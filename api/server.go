// Package api exposes the HTTP surface of spec.md §6 over echo: usage
// ingest, event/aggregation queries, a manual trigger endpoint, the loaded
// config, and Prometheus metrics. Authentication is intentionally absent
// here (spec.md §1 leaves it to a reverse proxy or API gateway).
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/config"
	"github.com/codehooks-metering/metering-engine/ingest"
	"github.com/codehooks-metering/metering-engine/metrics"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/scheduler"
	"github.com/codehooks-metering/metering-engine/store"
)

// Handlers bundles the core collaborators every route needs. All fields
// except Metrics are required; NewServer wires them once at startup and
// registers /metrics only when Metrics is non-nil.
type Handlers struct {
	Store     store.Store
	Config    func() config.AppConfig
	Ingest    *ingest.Service
	Scheduler *scheduler.Scheduler
	Queue     queue.Queue
	Metrics   *metrics.Metrics
	Log       *common.ContextLogger
}

// NewServer builds an echo.Echo with request-id, logging, and recovery
// middleware installed, every route of spec.md §6 registered, and a
// Prometheus /metrics route when h.Metrics is set.
func NewServer(h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestIDMiddleware())
	e.Use(loggingMiddleware(h.Log))
	e.Use(recoverMiddleware(h.Log))

	e.POST("/usage/:eventType", h.postUsage)
	e.POST("/usagebatch", h.postUsageBatch)
	e.GET("/events", h.getEvents)
	e.GET("/aggregations", h.getAggregations)
	e.POST("/aggregations/trigger", h.postTrigger)
	e.GET("/config", h.getConfig)
	e.GET("/healthz", h.getHealth)

	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	return e
}

func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.New().String()
			}
			c.Response().Header().Set("X-Request-Id", id)
			c.Set("request_id", id)
			return next(c)
		}
	}
}

func loggingMiddleware(log *common.ContextLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status == 0 {
					status = http.StatusInternalServerError
				}
			}

			log.WithFields(common.HTTPFields(c.Request().Method, c.Path(), status, time.Since(start))).
				WithField("request_id", c.Get("request_id")).
				Info("request handled")
			return err
		}
	}
}

func recoverMiddleware(log *common.ContextLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					common.LogPanic(log, r)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
				}
			}()
			return next(c)
		}
	}
}
