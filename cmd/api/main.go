package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tracking-scan-service/internal/api"
	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/lifecycle"
	"tracking-scan-service/internal/logger"
	"tracking-scan-service/internal/queue"
	"tracking-scan-service/internal/ratelimit"
	"tracking-scan-service/internal/report"
	"tracking-scan-service/internal/scan"
	"tracking-scan-service/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New("api")

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
	limiter := ratelimit.NewFromConfig(cfg, redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))

	var archiver scan.ReportArchiver
	if s3arch, err := report.NewS3Archiver(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("init report archiver")
	} else if s3arch != nil {
		archiver = s3arch
	}

	creator := lifecycle.NewCreator(st, q, logger.New("lifecycle"))
	reconciler := lifecycle.NewReconciler(st, logger.New("reconciler"))
	finalizer := scan.NewFinalizer(st, archiver, logger.New("finalizer"))

	server := api.New(cfg, st, creator, reconciler, finalizer, q, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
