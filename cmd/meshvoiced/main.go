package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/services"
	httphandlers "meshvoice/internal/handlers/http"
	"meshvoice/internal/infrastructure/media"
	"meshvoice/internal/infrastructure/media/device"
	"meshvoice/internal/infrastructure/middleware"
	"meshvoice/internal/infrastructure/monitoring"
	"meshvoice/internal/infrastructure/repositories"
	relay "meshvoice/internal/infrastructure/signal"
	webrtcinfra "meshvoice/internal/infrastructure/webrtc"
	"meshvoice/pkg/circuitbreaker"
	"meshvoice/pkg/config"
	"meshvoice/pkg/logger"
	"meshvoice/pkg/retry"
	"meshvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	joinSession := flag.String("join", "", "session to join on startup")
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

	if cfg.Identity.ID == "" {
		cfg.Identity.ID = uuid.NewString()
		log.Infow("Generated participant id", "participant_id", cfg.Identity.ID)
	}
	identity := domain.Identity{ID: domain.ParticipantID(cfg.Identity.ID), Name: cfg.Identity.Name}
	log = log.With("participant_id", identity.ID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshvoiced",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Signaling
	storeFactory := repositories.NewStoreFactory(cfg, log)
	store, backend, err := storeFactory.ClientStore(identity.ID)
	if err != nil {
		log.Fatalw("Failed to open signaling store", "error", err)
	}
	relayAdapter := relay.NewRelayAdapter(store, relayConfig(cfg), collector, log)

	// Media
	links, err := webrtcinfra.NewLinkFactory(linkConfig(cfg), log)
	if err != nil {
		log.Fatalw("Failed to create peer link factory", "error", err)
	}
	capture, err := device.NewCapture(device.Config{}, log)
	if err != nil {
		log.Fatalw("Failed to initialize capture", "error", err)
	}
	output := media.NewOutput(nil, log)

	events := services.NewEventStream(64)
	coordinator := services.NewCoordinator(services.CoordinatorDeps{
		Relay:   relayAdapter,
		Links:   links,
		Capture: capture,
		Output:  output,
		Events:  events,
		Metrics: collector,
	}, sessionConfig(cfg), log)
	go logEvents(events, log)

	settings := domain.AudioSettings{
		InputVolume:  cfg.Audio.InputVolume,
		OutputVolume: cfg.Audio.OutputVolume,
		MicThreshold: cfg.Audio.MicThreshold,
		OutputDevice: cfg.Audio.OutputDevice,
	}

	if *joinSession != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := coordinator.JoinSession(ctx, domain.SessionID(*joinSession), identity, settings); err != nil {
			log.Errorw("Failed to join session", "session_id", *joinSession, "error", err)
		}
		cancel()
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Control.Enabled {
		srv = &http.Server{
			Addr:    cfg.Control.Address,
			Handler: controlRouter(cfg, coordinator, identity, settings, storeFactory, backend, log),
		}
		go func() {
			log.Infow("Starting control API", "address", cfg.Control.Address, "relay_backend", backend)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Control API failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()

	if err := coordinator.Leave(shutdownCtx); err != nil {
		log.Errorw("Error leaving session", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during control API shutdown", "error", err)
			srv.Close()
		}
	}
	events.Close()
	if err := store.Close(); err != nil {
		log.Errorw("Error closing signaling store", "error", err)
	}
	if err := storeFactory.Close(); err != nil {
		log.Errorw("Error closing store factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	log.Info("meshvoiced stopped")
}

func controlRouter(
	cfg *config.Config,
	coordinator *services.Coordinator,
	identity domain.Identity,
	settings domain.AudioSettings,
	storeFactory *repositories.StoreFactory,
	backend string,
	log *zap.SugaredLogger,
) *gin.Engine {
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

	httphandlers.NewSessionHandler(httphandlers.NewCoordinatorControl(coordinator), identity, settings).SetupRoutes(router)

	health := monitoring.NewHealthChecker()
	health.AddCheck("signaling", 2*time.Second, storeFactory.HealthCheck)
	if client := storeFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}
	router.GET("/health", monitoring.LivenessHandler)
	router.GET("/ready", health.ReadinessHandler)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "relay_backend", backend)
	}
	return router
}

// logEvents drains the session event stream into the log.
func logEvents(events *services.EventStream, log *zap.SugaredLogger) {
	for e := range events.Events() {
		switch e.Kind {
		case services.EventVolumeSamples:
			log.Debugw("Volume levels", "samples", e.Samples)
		default:
			log.Infow("Session event", "kind", e.Kind, "peer_id", e.ParticipantID, "name", e.Name)
		}
	}
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	return services.SessionConfig{
		MonitorInterval: cfg.Session.MonitorInterval,
		ICEBatchDelay:   cfg.Session.ICEBatchDelay,
		ICEBatchMax:     cfg.Session.ICEBatchMax,
		GateOpenDelay:   cfg.Session.GateOpenDelay,
		GateCloseDelay:  cfg.Session.GateCloseDelay,
		QueueSize:       cfg.Session.QueueSize,
	}
}

func relayConfig(cfg *config.Config) relay.RelayConfig {
	rc := relay.DefaultRelayConfig()
	rc.MaxMessageAge = cfg.Session.MaxMessageAge
	rc.SubscribeGrace = cfg.Session.SubscribeGrace
	rc.DedupCapacity = cfg.Session.DedupCapacity
	rc.PublishRate = cfg.Relay.PublishRate
	rc.PublishBurst = cfg.Relay.PublishBurst
	rc.Retry = retry.Config{
		Enabled:      cfg.Relay.Retry.MaxAttempts > 0,
		MaxAttempts:  cfg.Relay.Retry.MaxAttempts,
		InitialDelay: cfg.Relay.Retry.InitialDelay,
		MaxDelay:     cfg.Relay.Retry.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Relay.Breaker.FailureThreshold
	breaker.Timeout = cfg.Relay.Breaker.Timeout
	rc.Breaker = breaker
	return rc
}

func linkConfig(cfg *config.Config) webrtcinfra.LinkConfig {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtcinfra.LinkConfig{
		ICEServers: iceServers,
		PortRange: webrtcinfra.PortRange{
			Min: cfg.WebRTC.PortRange.Min,
			Max: cfg.WebRTC.PortRange.Max,
		},
	}
}
