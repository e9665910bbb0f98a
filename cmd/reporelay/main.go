// Command reporelay runs the relay: GitHub webhook deliveries in, live
// WebSocket updates out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/config"
	"github.com/reporelay/reporelay/internal/github"
	"github.com/reporelay/reporelay/internal/hub"
	"github.com/reporelay/reporelay/internal/metrics"
	"github.com/reporelay/reporelay/internal/relay"
	"github.com/reporelay/reporelay/internal/server"
	"github.com/reporelay/reporelay/internal/session"
	"github.com/reporelay/reporelay/internal/webhook"
	"github.com/reporelay/reporelay/pkg/health"
	"github.com/reporelay/reporelay/pkg/logger"
	"github.com/reporelay/reporelay/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{ServiceName: "reporelay"}).
			Error("configuration failed", zap.Error(err))
		return err
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Error("redis connect failed", zap.Error(err))
		return err
	}
	defer func() { _ = rdb.Close() }()

	store := session.NewStore(rdb, cfg.SessionTTL, log)
	resolver := session.NewResolver(store, cfg.SessionCookie, cfg.SessionSecret, log)

	gh := github.NewClient(github.Config{
		BaseURL:        cfg.GithubAPIURL,
		ClientID:       cfg.GithubClientID,
		ClientSecret:   cfg.GithubClientSecret,
		AppName:        cfg.AppName,
		DeliveryURL:    cfg.DeliveryURL,
		AppHookSecret:  cfg.AppHookSecret,
		UserHookSecret: cfg.UserHookSecret,
	}, log)

	h := hub.New(log)
	coord := relay.New(gh, h, relay.Config{
		AppRepoHooksURL: cfg.AppRepoHooksURL,
		AppRepoToken:    cfg.AppRepoToken,
	}, log)
	h.SetHandler(coord.HandleMessage)

	wh := webhook.NewHandler(webhook.NewVerifier(cfg.AppHookSecret, cfg.UserHookSecret), h, log)

	checker := health.NewChecker()
	checker.Register(health.NewCheckFunc("redis", rdb.IsAvailable))
	checker.Register(health.NewCheckFunc("app-hook", func(context.Context) error {
		if coord.Degraded() {
			return errors.New("application webhook subscription missing")
		}
		return nil
	}))

	// The relay serves clients even when the subscription could not be
	// established; health reports the degradation instead.
	if cfg.AppRepoHooksURL != "" {
		if err := coord.EnsureAppHook(ctx); err != nil {
			log.Warn("application webhook setup failed, continuing degraded", zap.Error(err))
		}
	}

	srv := server.New(cfg, h, resolver, store, gh, coord, wh, checker, log)
	httpSrv := srv.NewHTTPServer()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if cfg.AppRepoHooksURL != "" {
		coord.DropAppHook(shutdownCtx)
	}
	h.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}

	log.Info("relay stopped")
	return nil
}
