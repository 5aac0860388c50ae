package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hood-Codivo/streamcast/internal/core/services"
	handlers "github.com/Hood-Codivo/streamcast/internal/handlers/http"
	"github.com/Hood-Codivo/streamcast/internal/infrastructure/middleware"
	"github.com/Hood-Codivo/streamcast/internal/infrastructure/monitoring"
	"github.com/Hood-Codivo/streamcast/internal/infrastructure/repositories"
	signalws "github.com/Hood-Codivo/streamcast/internal/infrastructure/signal"
	"github.com/Hood-Codivo/streamcast/pkg/config"
	"github.com/Hood-Codivo/streamcast/pkg/logger"
	"github.com/Hood-Codivo/streamcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	log := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "streamcast-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	factory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repositories", "error", err)
	}
	defer factory.Close()

	sessions := factory.CreateSessionRepository()
	attachments := factory.CreateAttachmentRepository()

	collector := monitoring.NewPrometheusCollector()
	tokens := services.NewTokenService(cfg.Auth.JWTSecret)

	wsServer := signalws.NewWebSocketServer(nil, log,
		signalws.WithKeepalive(cfg.Signal.PingInterval, cfg.Signal.PongTimeout),
		signalws.WithMessageLimits(
			cfg.RateLimiting.WebSocket.MessagesPerSecond,
			cfg.RateLimiting.WebSocket.Burst,
			cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		),
		signalws.WithConnectionMetrics(collector),
	)
	registry := services.NewRegistryService(sessions, attachments, wsServer, tokens, collector, log)
	wsServer.SetRegistry(registry)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	handlers.NewSessionHandler(sessions, attachments, tokens, cfg.Auth.JoinTokenTTL).SetupRoutes(router)

	connLimiter := middleware.NewConnectionLimiter(cfg)
	router.GET(cfg.Signal.Path, func(c *gin.Context) {
		if !connLimiter.Allow(c.Request) {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	health := monitoring.NewHealthHandler(wsServer,
		func(ctx context.Context) (int, error) {
			active, err := sessions.ListActive(ctx)
			return len(active), err
		},
		factory.HealthCheck,
	)
	router.GET("/health", health.Handle)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infow("relay listening", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("tracing shutdown failed", "error", err)
	}
}
