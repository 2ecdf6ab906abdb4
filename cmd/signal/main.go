package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"watchparty/internal/core/ports"
	"watchparty/internal/core/services"
	httphandlers "watchparty/internal/handlers/http"
	"watchparty/internal/infrastructure/distributed"
	"watchparty/internal/infrastructure/middleware"
	"watchparty/internal/infrastructure/monitoring"
	repositories "watchparty/internal/infrastructure/repositories"
	signalinfra "watchparty/internal/infrastructure/signal"
	"watchparty/pkg/config"
	"watchparty/pkg/logger"
	"watchparty/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Credentials may live in a .env next to the binary.
	_ = godotenv.Load()

	configPaths := []string{
		os.Getenv("WATCHPARTY_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Falling back to default configuration", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("Failed to create repository factory", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()

	// Cross-instance fan-out only exists with a shared redis.
	var (
		relay    signalinfra.Relay
		notifier ports.CommentNotifier
		bus      *distributed.EventBus
		registry *distributed.SharedPeerRegistry
	)
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		prefix := cfg.Storage.Redis.KeyPrefix
		bus = distributed.NewEventBus(client, instanceID, prefix, log)
		registry = distributed.NewSharedPeerRegistry(client, instanceID, prefix, log)
		relay = distributed.NewSignalRelay(registry, bus)
		notifier = bus
		log.Infow("Distributed mode enabled", "instance_id", instanceID)
	}

	commentService := services.NewCommentService(repoFactory.CreateCommentRepository(), notifier, collector, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.APIKeys)
	broker := signalinfra.NewBroker(signalinfra.BrokerConfigFrom(cfg), relay, collector, log)

	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, func(ctx context.Context, e *distributed.Event) error {
				return handleBusEvent(ctx, e, broker, commentService, log)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("Event bus subscription ended", "error", err)
			}
		}()
	}

	checker := monitoring.NewHealthChecker()
	checker.AddPingCheck("storage", repoFactory.HealthCheck, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(requestLog, collector),
		middleware.ErrorHandlerMiddleware(requestLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	signalPath := cfg.Signal.Path
	if signalPath == "" {
		signalPath = "/peerjs"
	}
	router.GET(signalPath, gin.WrapH(broker))

	httphandlers.NewAuthHandler(authService).SetupRoutes(router)
	httphandlers.NewRoomHandler(signalURL(cfg.Server.PublicURL, signalPath), cfg.Server.PublicURL).SetupRoutes(router)
	httphandlers.NewHealthHandler(checker, broker.ConnectedPeers).SetupRoutes(router)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	httphandlers.NewCommentHandler(commentService, cfg.Signal.PingInterval, cfg.Signal.WriteTimeout, log).SetupRoutes(api)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting watchparty signal server",
			"address", cfg.Server.Address,
			"signal_path", signalPath,
			"storage", repoFactory.Driver(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Websockets are hijacked, so Shutdown does not wait for them.
	broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	stop()

	if registry != nil {
		if err := registry.CleanupInstance(shutdownCtx); err != nil {
			log.Warnw("Failed to clean up peer registry", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Failed to flush traces", "error", err)
	}

	log.Info("Watchparty signal server stopped")
}

// handleBusEvent applies an event published by another instance.
func handleBusEvent(ctx context.Context, e *distributed.Event, broker *signalinfra.Broker, comments *services.CommentService, log *zap.SugaredLogger) error {
	switch e.Type {
	case distributed.EventSignalRelay:
		switch err := broker.DeliverLocal(e.PeerID, e.Payload); {
		case errors.Is(err, signalinfra.ErrSendBufferFull):
			log.Warnw("Dropped relayed frame for slow peer", "peer_id", e.PeerID, "from", e.InstanceID)
		case err != nil:
			log.Debugw("Relayed frame for departed peer", "peer_id", e.PeerID, "from", e.InstanceID)
		}
	case distributed.EventCommentAppended:
		comments.Refresh(ctx, e.RoomID)
	default:
		log.Debugw("Ignoring bus event", "type", e.Type)
	}
	return nil
}

// signalURL turns the public http(s) URL into the broker's websocket URL.
func signalURL(publicURL, path string) string {
	if publicURL == "" {
		return path
	}
	u := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + path
}
