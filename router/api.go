package router

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/incidentops/courier/db"
	"github.com/incidentops/courier/handlers"
	"github.com/incidentops/courier/internal/clock"
	"github.com/incidentops/courier/internal/config"
	"github.com/incidentops/courier/services"
	"github.com/incidentops/courier/workers"
)

// NewGinRouter wires the full engine (rule evaluation, scheduling, dispatch,
// escalation) and the HTTP surface. The returned queue runs the deferred
// deliveries and must be started by the caller and closed on shutdown.
func NewGinRouter(pg *sql.DB, redisClient *redis.Client) (*gin.Engine, *workers.DeliveryQueue) {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	clk := clock.RealClock{}
	statusStore := db.NewPostgresStatusStore(pg)

	// Rule engine + persistence
	ruleEngine := services.NewRuleEngine(clk)
	ruleService := services.NewRuleService(pg, ruleEngine)
	if err := ruleService.Load(context.Background()); err != nil {
		log.Printf("Warning: failed to load routing rules: %v", err)
	}

	prefsService := services.NewPreferencesService(pg, redisClient,
		time.Duration(config.App.PreferenceCacheTTLSeconds)*time.Second)

	// Channel adapters
	adapters := services.NewAdapterRegistry()
	chatSender := services.NewWebhookSender(config.App.ChatWebhookURL)
	adapters.Register(db.ChannelChat, chatSender)
	adapters.Register(db.ChannelWebhook, chatSender)
	adapters.Register(db.ChannelEmail, services.NewLogSender())
	adapters.Register(db.ChannelSMS, services.NewLogSender())
	adapters.Register(db.ChannelPager, services.NewLogSender())
	if fcmSender, err := services.NewFCMSender(pg, config.App.FCMCredentialsFile); err == nil {
		adapters.Register(db.ChannelPush, fcmSender)
	}

	// Delivery pipeline. Queue, dispatcher and escalation manager reference
	// each other, so the dispatch callback is installed after construction.
	queue := workers.NewDeliveryQueue(clk, config.App.WorkerCount, nil)
	quiet := services.NewQuietHoursCalculator(clk)
	scheduler := services.NewDeliveryScheduler(clk, quiet, queue)
	escalation := services.NewEscalationManager(clk, statusStore, queue)
	templates := services.NewTemplateService()
	dispatcher := services.NewDispatcher(clk, statusStore, adapters, templates, scheduler, escalation,
		config.App.MaxAttempts,
		time.Duration(config.App.BaseBackoffSeconds)*time.Second,
		time.Duration(config.App.MaxBackoffSeconds)*time.Second)
	queue.SetDispatch(func(ctx context.Context, item services.ScheduledRoute) {
		dispatcher.DispatchRoute(ctx, item)
	})

	engine := services.NewNotificationEngine(clk, ruleEngine, prefsService, scheduler,
		dispatcher, escalation, services.LogIssueCreator{}, statusStore, queue)

	// Handlers
	notificationHandler := handlers.NewNotificationHandler(engine)
	ruleHandler := handlers.NewRoutingRuleHandler(ruleService)
	prefsHandler := handlers.NewPreferencesHandler(prefsService)
	authMiddleware := handlers.NewAuthMiddleware()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":              "ok",
			"pending_deliveries":  queue.Len(),
			"pending_escalations": escalation.PendingCount(),
		})
	})

	api := r.Group("/api", authMiddleware.RequireAuth())
	{
		api.POST("/notifications", notificationHandler.SubmitNotification)
		api.GET("/notifications/:id/status", notificationHandler.GetNotificationStatus)
		api.DELETE("/notifications/:id", notificationHandler.CancelNotification)

		api.GET("/routing-rules", ruleHandler.ListRules)
		api.POST("/routing-rules", ruleHandler.CreateRule)
		api.GET("/routing-rules/:id", ruleHandler.GetRule)
		api.PUT("/routing-rules/:id", ruleHandler.UpdateRule)
		api.DELETE("/routing-rules/:id", ruleHandler.DeleteRule)

		api.GET("/preferences/:team", prefsHandler.GetPreferences)
		api.PUT("/preferences/:team", prefsHandler.UpsertPreferences)
		api.DELETE("/preferences/:team", prefsHandler.DeletePreferences)
	}

	return r, queue
}
