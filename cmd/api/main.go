// Package main is the entry point for the messaging server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/config"
	"github.com/accreditation-portal/messaging/internal/handler"
	"github.com/accreditation-portal/messaging/internal/hub"
	"github.com/accreditation-portal/messaging/internal/middleware"
	natsclient "github.com/accreditation-portal/messaging/internal/nats"
	"github.com/accreditation-portal/messaging/internal/presence"
	"github.com/accreditation-portal/messaging/internal/router"
	"github.com/accreditation-portal/messaging/internal/service"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log = log.With(zap.String("node_id", cfg.NodeID))
	log.Info("starting messaging server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "portal-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Group membership
	var groups router.GroupDirectory = router.Everyone{}
	if cfg.GroupsFile != "" {
		table, err := config.LoadGroups(cfg.GroupsFile)
		if err != nil {
			log.Fatal("failed to load groups", zap.String("path", cfg.GroupsFile), zap.Error(err))
		}
		static := router.NewStaticGroups(table)
		log.Info("group directory loaded", zap.Strings("groups", static.Groups()))
		groups = static
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     "portal-messaging/" + cfg.NodeID,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(natsClient, log)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	// Live delivery
	registry := presence.New(log)
	defer registry.Close()

	liveHub := hub.New(registry, hub.Config{
		PingInterval: cfg.WSPingInterval,
		SendBuffer:   cfg.WSSendBuffer,
		EventRate:    cfg.WSEventRate,
		EventBurst:   cfg.WSEventBurst,
		GracePeriod:  cfg.PresenceGracePeriod,
	}, log)
	messageRouter := router.New(registry, liveHub, groups, log)
	relay := natsclient.NewRelay(natsClient, cfg.NodeID, log)

	// Initialize services
	messageSvc := service.NewMessageService(streamManager, messageRouter, groups, log,
		service.WithRelay(relay),
		service.WithHistoryLimit(cfg.HistoryLimit),
	)
	liveHub.SetDispatcher(messageSvc)

	if err := relay.Subscribe(ctx, messageSvc.RouteRemote); err != nil {
		log.Fatal("failed to subscribe to relay", zap.Error(err))
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, liveHub.Count)
	messageHandler := handler.NewMessageHandler(messageSvc, log)
	presenceHandler := handler.NewPresenceHandler(registry)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Live channel
	r.With(
		middleware.Auth(cfg.JWTSecret),
		middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow),
	).Get("/ws", liveHub.ServeHTTP)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/messages", messageHandler.Send)
		r.Get("/conversations/{id}/messages", messageHandler.List)

		r.With(middleware.RequireRole(middleware.RoleAdmin)).Get("/presence", presenceHandler.List)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked sockets are not tracked by Shutdown.
	liveHub.Close()
	if err := relay.Close(); err != nil {
		log.Warn("relay drain failed", zap.Error(err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
