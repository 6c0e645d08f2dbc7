package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/api/handlers"
	"github.com/orrn/continuousprint/internal/api/middleware"
	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
	"github.com/orrn/continuousprint/internal/host"
	"github.com/orrn/continuousprint/internal/notify"
)

type Deps struct {
	Store          *db.Store
	Controller     handlers.Controller
	Dispatcher     *host.Dispatcher
	Ring           *notify.Ring
	Webhooks       handlers.WebhookTester
	Files          handlers.FileSource
	Profile        core.Profile
	MaterialGating bool
	Queue          string

	// Gatherer serves /metrics; nil leaves the route out.
	Gatherer     prometheus.Gatherer
	SecureCookie bool
	Logger       log.FieldLogger
}

// NewRouter builds the HTTP API. Reads are open; anything that changes
// the queue, its settings or the driver requires a login.
func NewRouter(ctx context.Context, d Deps) (*gin.Engine, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	auth, err := middleware.NewAuthMiddleware(ctx, d.Store, d.SecureCookie, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up auth: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	queue := handlers.NewQueueHandler(d.Store, d.Controller, d.Queue, logger)
	settings := handlers.NewSettingsHandler(d.Store, d.Controller, d.Ring, d.Profile, d.MaterialGating, logger)
	events := handlers.NewEventHandler(d.Dispatcher, d.Controller, logger)
	files := handlers.NewLANFileHandler(d.Files, logger)
	tester := d.Webhooks
	if tester == nil {
		tester = notify.NewWebhookSender(d.Store, config.WebhookConfig{}, logger)
	}
	webhooks := handlers.NewWebhookHandler(d.Store, tester, logger)

	r.GET("/healthz", func(c *gin.Context) {
		if err := d.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	limiter := middleware.NewRateLimiter(1, 5)
	authGroup.POST("/setup", limiter.Handler(), auth.SetupHandler)
	authGroup.POST("/login", limiter.Handler(), auth.LoginHandler)
	authGroup.POST("/logout", auth.LogoutHandler)
	authGroup.GET("/status", auth.StatusHandler)
	authGroup.POST("/password", auth.RequireAuth(), auth.ChangePasswordHandler)

	apiGroup.GET("/state", queue.GetState)
	apiGroup.GET("/history", queue.GetHistory)
	apiGroup.GET("/queues", queue.ListQueues)
	apiGroup.GET("/materials", settings.GetMaterials)
	apiGroup.GET("/settings/retry", settings.GetRetry)
	apiGroup.GET("/printer", settings.GetPrinter)
	apiGroup.GET("/messages", settings.GetMessages)
	apiGroup.GET("/lan/files/*path", files.GetFile)

	protected := apiGroup.Group("", auth.RequireAuth())
	protected.POST("/set_active", queue.SetActive)
	protected.POST("/jobs", queue.CreateJob)
	protected.PUT("/jobs/:id", queue.UpdateJob)
	protected.POST("/jobs/:id/move", queue.MoveJob)
	protected.POST("/sets", queue.AddSet)
	protected.PUT("/sets/:id", queue.UpdateSet)
	protected.POST("/sets/:id/move", queue.MoveSet)
	protected.POST("/multi/rm", queue.RemoveMulti)
	protected.POST("/multi/reset", queue.ResetMulti)
	protected.DELETE("/history", queue.ClearHistory)
	protected.POST("/queues/commit", queue.CommitQueues)
	protected.PUT("/materials", settings.SetMaterials)
	protected.PUT("/settings/retry", settings.SetRetry)
	protected.POST("/events", events.Post)
	protected.POST("/events/failure", events.Failure)
	protected.POST("/events/queuego", events.QueueGo)
	protected.GET("/webhooks", webhooks.List)
	protected.POST("/webhooks", webhooks.Create)
	protected.DELETE("/webhooks/:id", webhooks.Delete)
	protected.POST("/webhooks/:id/test", webhooks.Test)

	return r, nil
}

func requestLogger(logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		})
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Info("request rejected")
		default:
			entry.Debug("request")
		}
	}
}

// NewServer wraps the router in an http.Server configured from cfg.
func NewServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
