package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/api/handler"
	"github.com/99minutos/trip-tracking/internal/api/middleware"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Tracking ports.TrackingService
	History  handler.HistoryReader     // optional
	Devices  handler.DeviceServer      // optional, nil when fixes are simulated
	Checks   []handler.DependencyCheck // readiness probes
	Metrics  prometheus.Registerer     // optional, enables /metrics
	Gatherer prometheus.Gatherer       // paired with Metrics
	Logger   zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Logger)

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(middleware.RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "trackingd",
			Registerer: deps.Metrics,
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
			Gatherer: deps.Gatherer,
		}))
	}

	// --- Tracking routes ---
	tracking := handler.NewTrackingHandler(deps.Tracking, deps.History)
	stream := handler.NewStreamHandler(deps.Tracking, deps.Logger)

	trips := e.Group("/v1/trips/:trip_id", middleware.ValidIDs("trip_id"))
	trips.POST("/tracking", tracking.Start)
	trips.DELETE("/tracking", tracking.Stop)
	trips.POST("/commands", tracking.Command)
	trips.GET("/snapshot", tracking.Snapshot)
	trips.GET("/history", tracking.History)
	trips.GET("/stream", stream.Stream)

	// --- Driver app channel ---
	if deps.Devices != nil {
		devices := handler.NewDeviceHandler(deps.Devices)
		e.GET("/v1/devices/:driver_id/ws", devices.Connect, middleware.ValidIDs("driver_id"))
	}

	// --- Health probes ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(deps.Checks...)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	return e
}
