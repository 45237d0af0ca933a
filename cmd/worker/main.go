package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/logger"
	"tracking-scan-service/internal/queue"
	"tracking-scan-service/internal/store"
	"tracking-scan-service/internal/telemetry"
	"tracking-scan-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	client := worker.NewHTTPSyncClient(cfg)
	processor := worker.NewProcessor(cfg, q, st, client, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("max_attempts", cfg.SyncMaxAttempts).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
