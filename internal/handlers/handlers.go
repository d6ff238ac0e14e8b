package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"pushi/internal/broker"
	"pushi/internal/models"
	"pushi/internal/repository"
	"pushi/pkg/logging"
	"pushi/pkg/monitoring"
	"pushi/pkg/server"
)

// Adapter is the control-plane surface of a delivery adapter: managing
// subscription records. Delivery itself goes through the broker.
type Adapter interface {
	Name() string
	Subscribe(ctx context.Context, rec models.Subscription) error
	Unsubscribe(ctx context.Context, appID, target, event string) error
	List(appID string) []models.Subscription
}

// Handlers contains the HTTP handlers of the control plane.
type Handlers struct {
	logger    logging.Logger
	repo      repository.Repository
	broker    *broker.Broker
	adapters  map[string]Adapter
	health    *monitoring.HealthChecker
	collector *monitoring.MetricsCollector
	jwtSecret []byte
	startTime time.Time
}

// New creates a handlers instance.
func New(repo repository.Repository, b *broker.Broker, adapters []Adapter,
	health *monitoring.HealthChecker, collector *monitoring.MetricsCollector,
	jwtSecret []byte, logger logging.Logger) *Handlers {

	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Handlers{
		logger:    logger,
		repo:      repo,
		broker:    b,
		adapters:  byName,
		health:    health,
		collector: collector,
		jwtSecret: jwtSecret,
		startTime: time.Now(),
	}
}

// Router builds the control-plane router with the shared middleware stack.
func (h *Handlers) Router() *gin.Engine {
	router := server.SetupRouter(h.logger, "pushi")
	if h.collector != nil {
		router.Use(h.collector.MetricsMiddleware())
		router.GET("/metrics", h.collector.Handler())
	}
	if h.health != nil {
		router.GET("/health", h.health.Handler())
	}

	router.POST("/login", h.HandleLogin)

	authed := router.Group("/", h.Authenticated())
	{
		authed.POST("/apps", h.RequireAdmin(), h.HandleCreateApp)
		authed.GET("/apps", h.RequireAdmin(), h.HandleListApps)
		authed.GET("/apps/:app_id", h.HandleShowApp)
		authed.PUT("/apps/:app_id", h.HandleUpdateApp)
		authed.GET("/apps/:app_id/ping", h.HandlePing)
		authed.POST("/apps/:app_id/events", h.HandlePublish)
		authed.GET("/apps/:app_id/subscriptions/:adapter", h.HandleListSubscriptions)
		authed.POST("/apps/:app_id/subscriptions/:adapter", h.HandleSubscribe)
		authed.DELETE("/apps/:app_id/subscriptions/:adapter", h.HandleUnsubscribe)
		authed.POST("/apps/:app_id/personal", h.HandleAddPersonal)
		authed.DELETE("/apps/:app_id/personal", h.HandleRemovePersonal)
	}

	return router
}
