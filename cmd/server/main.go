package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/api"
	"github.com/making-something/articon-dispatch/internal/app"
	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/webhook"
	"github.com/making-something/articon-dispatch/internal/ws"
)

func main() {
	cfg := config.LoadConfig()
	logger := glog.NewLogger(
		glog.WithName("server"),
		glog.WithLevel(cfg.LogLevel),
		glog.WithLoggerTypeConsole(),
		glog.WithWriter(os.Stderr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise", "error", err)
	}
	defer a.Close()

	if missing := a.Catalog.Missing(cfg.RequiredTemplates); len(missing) > 0 {
		logger.Warn("required templates are not approved", "missing", missing)
	}

	hub := ws.NewHub(logger.GetLogger("ws"))
	go hub.Run()
	defer hub.Close()
	a.Engine.Observer = hub

	scheduler, err := a.Scheduler()
	if err != nil {
		logger.Fatal("Failed to load milestones", "error", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start trigger", "error", err)
	}
	defer scheduler.Stop()

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	webhookHandler := webhook.NewHandler(cfg.VerifyToken, cfg.AppSecret, logger.GetLogger("webhook"),
		webhook.NewStatusRecorder(a.DB),
		&webhook.TemplateResync{Syncer: a.Syncer, Logger: logger.GetLogger("templates")},
		webhook.MessageLogger(logger.GetLogger("inbound")),
	)
	dispatchHandler := api.NewDispatchHandler(a.Engine, a.Ledger, a.Directory, a.Resolver, logger)
	templatesHandler := api.NewTemplatesHandler(a.Catalog, a.Syncer, cfg.RequiredTemplates, logger)
	milestonesHandler := api.NewMilestonesHandler(scheduler)

	// Webhook Routes
	webhookHandler.Register(r)

	r.GET("/health", api.Health)
	r.GET("/ws", func(c *gin.Context) { hub.ServeWs(c.Writer, c.Request) })

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/dispatch/send", dispatchHandler.Send)
		apiGroup.GET("/dispatch/status/:campaign", dispatchHandler.Status)

		apiGroup.GET("/templates", templatesHandler.GetTemplates)
		apiGroup.POST("/templates/sync", templatesHandler.SyncTemplates)

		apiGroup.GET("/milestones", milestonesHandler.GetMilestones)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logger.Info("Server starting on port " + cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to run server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
}
