package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"video-publish-pipeline/internal/auth"
	"video-publish-pipeline/internal/config"
	"video-publish-pipeline/internal/executor"
	"video-publish-pipeline/internal/idempotency"
	"video-publish-pipeline/internal/platform"
	"video-publish-pipeline/internal/queue"
	"video-publish-pipeline/internal/source"
	"video-publish-pipeline/internal/store"
	"video-publish-pipeline/internal/telemetry"
	workerproc "video-publish-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(cfg)
	defer q.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	guard := idempotency.NewGuard(st, cfg.IdempotencyTTL)
	creds := auth.NewProvider(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.TokenDir)
	client := platform.NewClient(cfg.PlatformBaseURL, cfg.ChunkTimeout)
	resolver := source.NewResolver(cfg)
	reporter := workerproc.NewMeteredReporter(st)

	exec := executor.New(client, creds, reporter, resolver, executor.Config{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		ThumbMaxBytes:  cfg.ThumbMaxBytes,
		ThumbMaxWidth:  cfg.ThumbMaxWidth,
	})

	processor := workerproc.NewProcessor(cfg, q, st, guard, exec, reporter, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with visibility=%s chunk_size=%d backoff_initial=%s",
		workerID, cfg.VisibilityTimeout, cfg.ChunkSize, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
