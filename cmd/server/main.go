package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/alert"
	"github.com/pulsewatch/pulsewatch/internal/api"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/health"
	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/notify"
	"github.com/pulsewatch/pulsewatch/internal/probe"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/relay"
	"github.com/pulsewatch/pulsewatch/internal/scheduler"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

func main() {
	logger := logging.New("pulsewatch")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	st, err := store.NewStore(store.DBConfig{
		Type: store.Dialect(cfg.DBType),
		Path: cfg.DBPath,
		DSN:  cfg.DBDSN,
	})
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalf("Failed to reach redis at %s: %v", cfg.RedisAddr, err)
	}

	q := queue.New(rdb)
	hub := relay.NewHub()
	rel := relay.New(rdb, hub)
	notifier := notify.NewService(notify.Config{
		SMTPHost:        cfg.SMTPHost,
		SMTPPort:        cfg.SMTPPort,
		SMTPUser:        cfg.SMTPUser,
		SMTPPass:        cfg.SMTPPass,
		FromAddress:     cfg.FromAddress,
		SlackWebhookURL: cfg.SlackWebhookURL,
		SMSGatewayURL:   cfg.SMSGatewayURL,
		WebhookURL:      cfg.WebhookURL,
	})
	alerts := alert.NewEngine(st, rdb, notifier)
	engine := probe.NewEngine(logging.New("PROBE"))
	registry := health.NewRegistry()
	pool := worker.NewPool(st, q, engine, registry, alerts, rel, cfg.WorkerConcurrency)
	sched := scheduler.New(st, q, rdb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers and the scheduler stop on ctx; the relay consumer gets
	// its own context so it can drain after workers are done.
	relayCtx, stopRelay := context.WithCancel(context.Background())

	var background sync.WaitGroup
	background.Add(3)
	go func() {
		defer background.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer background.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer background.Done()
		rel.Run(relayCtx)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(st, q, hub, cfg),
	}
	go func() {
		logger.Printf("Starting server on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("Shutting down...")

	// Stop accepting requests, let in-flight workers finish, then
	// release the scheduler lock (Run does it on ctx), close the
	// stream consumer and finally the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Server forced to shutdown: %v", err)
	}

	workersDone := make(chan struct{})
	go func() {
		background.Wait()
		close(workersDone)
	}()
	stopRelay()
	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		logger.Println("Shutdown deadline hit with jobs in flight; leases will be reclaimed")
	}

	if err := rdb.Close(); err != nil {
		logger.Printf("Redis close: %v", err)
	}
	if err := st.Close(); err != nil {
		logger.Printf("Store close: %v", err)
	}
	logger.Println("Server exiting")
}
