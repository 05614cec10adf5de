package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pviana/lead-dispatcher/internal/api"
	"github.com/pviana/lead-dispatcher/internal/cache"
	"github.com/pviana/lead-dispatcher/internal/config"
	"github.com/pviana/lead-dispatcher/internal/notify"
	"github.com/pviana/lead-dispatcher/internal/store"
	"github.com/pviana/lead-dispatcher/internal/worker"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.App.LogLevel),
	})))

	db, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	pg := store.NewPostgres(db)

	var counter cache.DailyCounter
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "err", err)
			os.Exit(1)
		}
		counter = cache.NewRedisCounter(rdb)
	}

	var events *notify.EventPublisher
	if cfg.AMQP.Enabled() {
		events, err = notify.NewEventPublisher(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			slog.Error("failed to connect to rabbitmq", "err", err)
			os.Exit(1)
		}
	}

	notifier := notify.New(pg, events)

	w := worker.New(pg, counter, notifier, worker.Config{
		WindowRecheck:     cfg.Worker.WindowRecheck,
		WindowIdleRecheck: cfg.Worker.WindowIdleRecheck,
		MaxWindowWait:     cfg.Worker.MaxWindowWait,
		CapRecheck:        cfg.Worker.CapRecheck,
	})
	registry := worker.NewRegistry(w)

	handler := api.NewHandler(pg, registry, cfg.Gateway)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("lead dispatcher listening",
			"addr", cfg.Server.Addr,
			"redis", cfg.Redis.Enabled(),
			"amqp", cfg.AMQP.Enabled(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}

	// Running loops observe cancellation at their next suspension point.
	registry.StopAll()
	if err := events.Close(); err != nil {
		slog.Error("failed to close event publisher", "err", err)
	}
	slog.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
