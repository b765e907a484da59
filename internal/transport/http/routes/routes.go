package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/infra/config"
	"github.com/arklim/sso-ticket-registry/internal/transport/http/handlers"
	"github.com/arklim/sso-ticket-registry/internal/transport/http/middleware"
)

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Registry    handlers.TicketAdmin
	Storage     StorageChecker
	Cache       CacheChecker
	Database    DatabaseChecker
	Gatherer    prometheus.Gatherer
	HTTPMetrics *middleware.HTTPMetrics
}

// StorageChecker exposes readiness of the ticket storage backend.
type StorageChecker interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Handler())
	}

	healthOptions := []handlers.HealthOption{handlers.WithNodeID(deps.Config.App.NodeID)}
	if deps.Storage != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("storage", deps.Storage.Ping))
	}
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	if deps.Config.Telemetry.MetricsEnabled {
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	if deps.Registry != nil {
		admin := r.Group("/admin")
		admin.Use(middleware.RequireAdminToken(deps.Config.App.AdminToken))
		handlers.NewTicketHandler(deps.Registry).RegisterRoutes(admin)
	}

	return r
}
