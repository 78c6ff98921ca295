package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshvoice/internal/core/services"
	httphandlers "meshvoice/internal/handlers/http"
	"meshvoice/internal/infrastructure/middleware"
	"meshvoice/internal/infrastructure/monitoring"
	"meshvoice/internal/infrastructure/repositories"
	relay "meshvoice/internal/infrastructure/signal"
	"meshvoice/pkg/config"
	"meshvoice/pkg/logger"
	"meshvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Could not load config, using defaults", "path", *configPath, "error", err)
	}
	if cfg.Relay.TokenSecret == "" {
		log.Fatal("relay.token_secret must be set")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshvoice-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	store, err := repositories.NewStoreFactory(cfg, log).ServerStore()
	if err != nil {
		log.Fatalw("Failed to open relay storage", "error", err)
	}

	authService := services.NewAuthService(cfg.Relay.TokenSecret, cfg.Relay.TokenTTL)
	wsServer := relay.NewWebSocketServer(store, relay.ServerConfig{
		PingInterval:      cfg.RelayServer.PingInterval,
		PongTimeout:       cfg.RelayServer.PongTimeout,
		WriteTimeout:      cfg.RelayServer.WriteTimeout,
		MaxMessageSize:    cfg.RelayServer.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.RelayServer.MessagesPerSecond,
		Burst:             cfg.RelayServer.Burst,
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(log.Desugar())),
		middleware.ErrorHandlerMiddleware(log),
	)

	// Upgrades are limited per client address; frames per participant.
	router.GET("/ws",
		middleware.NewHTTPRateLimitMiddleware(cfg.RelayServer.MessagesPerSecond, cfg.RelayServer.Burst),
		middleware.AuthMiddleware(authService),
		wsServer.HandleWebSocket,
	)
	httphandlers.NewAuthHandler(authService).SetupRoutes(router)
	router.GET("/health", wsServer.HealthCheck)

	if cfg.Monitoring.PrometheusEnabled {
		monitoring.RegisterRelayServer(prometheus.DefaultRegisterer, wsServer.ConnectionCount)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.RelayServer.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting signaling relay", "address", cfg.RelayServer.Address, "storage", cfg.RelayServer.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down signaling relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RelayServer.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by http.Server.
	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := store.Close(); err != nil {
		log.Errorw("Error closing relay storage", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	log.Info("Signaling relay stopped")
}
