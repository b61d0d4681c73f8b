package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/api"
	"order-pipeline/internal/config"
	"order-pipeline/internal/logger"
	"order-pipeline/internal/monitor"
	"order-pipeline/internal/notify"
	"order-pipeline/internal/queue"
	"order-pipeline/internal/ratelimit"
	"order-pipeline/internal/store"
	"order-pipeline/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	q, err := queue.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("queue registry: %v", err)
	}

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.StartRateCapacity, cfg.StartRateRefill, time.Hour)

	notifier := notify.FromConfig(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
	orch := workflow.New(st, q, notifier, workflow.DefaultStages(), cfg.MaxAttempts)
	go orch.Run(ctx)

	mon := monitor.New(q, st, cfg)

	server := api.New(cfg, st, q, orch, mon, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
