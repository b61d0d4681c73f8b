package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/config"
	"order-pipeline/internal/logger"
	"order-pipeline/internal/models"
	"order-pipeline/internal/notify"
	"order-pipeline/internal/queue"
	"order-pipeline/internal/retry"
	"order-pipeline/internal/store"
	"order-pipeline/internal/telemetry"
	"order-pipeline/internal/worker"
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

	notifier := notify.FromConfig(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
	orch := workflow.New(st, q, notifier, workflow.DefaultStages(), cfg.MaxAttempts)
	go orch.Run(ctx)

	policy := retry.NewPolicy(cfg.BackoffBase, cfg.BackoffMax)
	pool := worker.NewPool(cfg, q, st, policy)
	pool.OnTerminal(func(ctx context.Context, rec models.TaskRecord) {
		if err := orch.OnTaskFinished(ctx, rec); err != nil {
			log.WithError(err).WithField("task_id", rec.ID).Warn("workflow advance failed")
		}
	})

	orderHandlers := worker.NewOrderHandlers(cfg, notifier)
	orderHandlers.Register(pool)

	reportHandler, err := worker.NewReportHandler(ctx, cfg, st, q.Depths)
	if err != nil {
		log.Fatalf("init report handler: %v", err)
	}
	pool.RegisterHandler("generate_report", reportHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Info("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{"concurrency": cfg.Concurrency, "lease": cfg.LeaseTimeout.String()}).Info("worker pool starting")
	if err := pool.Run(ctx); err != nil {
		log.WithError(err).Info("worker pool stopped")
	}
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
