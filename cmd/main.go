package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/franzego/dispatch/internal/channels"
	"github.com/franzego/dispatch/internal/config"
	"github.com/franzego/dispatch/internal/handlers"
	"github.com/franzego/dispatch/internal/middleware"
	"github.com/franzego/dispatch/internal/notify"
	"github.com/franzego/dispatch/internal/queue"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/franzego/dispatch/internal/repository/pgstore"
	"github.com/franzego/dispatch/internal/repository/redisstore"
	"github.com/franzego/dispatch/internal/services"
	"github.com/franzego/dispatch/pkg/logger"
	redisclient "github.com/franzego/dispatch/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("dispatch service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zlog *zap.Logger) error {
	rdb, err := redisclient.InitRedis(ctx, cfg.Redis)
	if err != nil && cfg.Storage.Driver == "redis" {
		return err
	}
	if err != nil {
		zlog.Warn("redis unavailable, consumer deduplication disabled", zap.Error(err))
	}
	if rdb != nil && cfg.Storage.Driver == "postgres" {
		defer rdb.Close()
	}

	store, err := openStore(ctx, cfg, rdb, zlog)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var users notify.UserFinder
	userService := services.NewUserServiceClient(cfg.Services.UserServiceURL, cfg.Services.MockServices, zlog)
	if cfg.Services.UserServiceURL != "" || cfg.Services.MockServices {
		users = userService
	}
	var templates notify.TemplateSource = store
	if cfg.Services.TemplateServiceURL != "" {
		templates = services.NewTemplateClient(cfg.Services.TemplateServiceURL, cfg.Services.MockServices, zlog)
	}

	registry, err := buildRegistry(cfg.Channels, zlog)
	if err != nil {
		return err
	}

	broker := queue.NewRabbitMqService(cfg.RabbitMQ, zlog)
	defer broker.CloseConnection()

	var processed notify.ProcessedTracker
	if rdb != nil {
		processed = redisstore.NewProcessedSet(rdb, cfg.Dispatch.ProcessedTTL)
	}

	dispatcher := notify.NewDispatcher(notify.Deps{
		Router:    registry,
		Store:     store,
		Users:     users,
		Templates: templates,
		Strategy:  notify.NewStrategy(notify.ThresholdsFromConfig(cfg.Dispatch)),
		Metrics:   notify.NewMetricsCollector(cfg.Dispatch.MetricsTTL, zlog),
		Broker:    broker,
		Processed: processed,
		RabbitMQ:  cfg.RabbitMQ,
		From:      cfg.Channels.Email.From,
		Log:       zlog,

		AutoConsume: true,
	})
	defer func() {
		if err := dispatcher.Close(); err != nil {
			zlog.Warn("failed to stop queue consumer", zap.Error(err))
		}
	}()

	if cfg.RabbitMQ.ConnectEagerly {
		if err := dispatcher.StartConsumer(ctx); err != nil {
			zlog.Warn("queue consumer not started, retrying on the next queued notification", zap.Error(err))
		}
	}

	health := handlers.NewHealthHandler(version).
		AddCheck("storage", store.Ping, true).
		AddCheck("rabbitmq", func(ctx context.Context) error {
			if !broker.HealthCheck(ctx) {
				return queue.ErrNotConnected
			}
			return nil
		}, false).
		AddCheck("user_service", func(context.Context) error {
			if !userService.Available() {
				return errors.New("circuit open")
			}
			return nil
		}, false)
	if rdb != nil {
		health.AddCheck("redis", redisclient.Healthcheck(rdb), cfg.Storage.Driver == "redis")
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(zlog))
	r.GET("/health", health.HealthCheck)

	api := r.Group("/api/v1", middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	if cfg.Server.JWTSecret != "" {
		api.Use(middleware.AuthMiddleware(cfg.Server.JWTSecret))
	} else {
		zlog.Warn("server.jwt_secret is empty, API authentication disabled")
	}
	handlers.NewNotificationHandler(store, dispatcher, zlog).Register(api)
	handlers.NewTemplateHandler(store, zlog).Register(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info("starting http server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, zlog *zap.Logger) (repository.Store, error) {
	if cfg.Storage.Driver != "postgres" {
		return redisstore.New(rdb), nil
	}
	pool, err := pgstore.Connect(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.RunMigrations {
		if err := pgstore.Migrate(ctx, pool, zlog); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pgstore.New(pool), nil
}

// buildRegistry registers every enabled channel. A misconfigured channel is skipped
// with a warning so the others still work.
func buildRegistry(cfg config.ChannelsConfig, zlog *zap.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()

	if cfg.Email.Enabled {
		ch, err := channels.NewEmailChannelFromConfig(cfg.Email, zlog)
		if err != nil {
			zlog.Warn("email channel disabled", zap.Error(err))
		} else {
			registry.Register(ch)
		}
	}
	if cfg.SMS.Enabled {
		ch, err := channels.NewSMSChannelFromConfig(cfg.SMS, zlog)
		if err != nil {
			zlog.Warn("sms channel disabled", zap.Error(err))
		} else {
			registry.Register(ch)
		}
	}
	if cfg.Push.Enabled {
		ch, err := channels.NewPushChannel(cfg.Push, zlog)
		if err != nil {
			zlog.Warn("push channel disabled", zap.Error(err))
		} else {
			registry.Register(ch)
		}
	}
	if cfg.Webhook.Enabled {
		registry.Register(channels.NewWebhookChannel(cfg.Webhook, zlog))
	}

	if len(registry.ListTypes()) == 0 {
		return nil, errors.New("no notification channel is enabled")
	}
	zlog.Info("channels registered", zap.Any("channels", registry.ListTypes()))
	return registry, nil
}
