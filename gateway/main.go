package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wuni1/InferOps/gateway/alerts"
	"github.com/Wuni1/InferOps/gateway/archive"
	"github.com/Wuni1/InferOps/gateway/config"
	"github.com/Wuni1/InferOps/gateway/middleware"
	"github.com/Wuni1/InferOps/gateway/monitor"
	"github.com/Wuni1/InferOps/gateway/registry"
	"github.com/Wuni1/InferOps/gateway/scheduler"
	"github.com/Wuni1/InferOps/gateway/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	reg := registry.New(cfg.Nodes, registry.Options{
		OfflineFailureThreshold: cfg.OfflineFailureThreshold,
		OfflineSilence:          cfg.OfflineSilence,
	})

	evaluator := alerts.NewEvaluator(cfg.OfflineAlertDelay)

	poller := monitor.New(reg, evaluator, monitor.Options{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
	})
	poller.Start(ctx)

	// Job store: Redis when configured, in-memory otherwise. Jobs are
	// reconstruction-friendly state, so losing the in-memory store on
	// restart only loses history, not correctness.
	var jobs store.JobStore
	jobStoreKind := "memory"
	if cfg.RedisAddr != "" {
		redisJobs, err := store.NewRedisJobStore(cfg.RedisAddr, cfg.JobRetention)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("✅ Connected to Redis at %s for job storage", cfg.RedisAddr)
		jobs = redisJobs
		jobStoreKind = "redis"
	} else {
		jobs = store.NewMemoryJobStore(cfg.JobRetention)
	}

	// Optional archive for completed jobs.
	var archiver Archiver
	if cfg.PostgresDSN != "" {
		pg, err := archive.NewPostgresArchive(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres archive: %v", err)
		}
		defer pg.Close()
		log.Println("✅ Connected to Postgres for completed-job archiving")
		archiver = pg
	}

	schedCfg := scheduler.Config{
		Weights:       cfg.Weights,
		MetricsMaxAge: 2 * cfg.PollInterval,
	}
	dispatcher := NewDispatcher(reg, schedCfg, DispatchOptions{
		ConnectTimeout:   cfg.ConnectTimeout,
		IdleReadTimeout:  cfg.IdleReadTimeout,
		LockRetries:      cfg.LockRetries,
		LockRetryBackoff: cfg.LockRetryBackoff,
	})
	batch := NewBatchEngine(dispatcher, reg, jobs, archiver, BatchOptions{
		MaxWorkers:     cfg.MaxWorkers,
		ItemTimeout:    cfg.ItemTimeout,
		MergeThreshold: cfg.MergeThreshold,
	})

	api := NewAPI(reg, dispatcher, batch, evaluator, jobs)
	go api.hub.Run(ctx)

	http.HandleFunc("/health", api.handleHealth)
	http.Handle("/metrics", promhttp.Handler())

	http.HandleFunc("/api/v1/status/all", api.handleStatusAll)
	http.HandleFunc("/api/v1/status/stream", api.handleStatusStream)
	http.HandleFunc("/api/v1/alerts", api.handleAlerts)
	http.HandleFunc("/api/v1/models", api.handleModels)
	http.HandleFunc("/api/v1/chat/completions", api.handleChatCompletions)
	http.HandleFunc("/api/v1/dataset/upload", api.handleDatasetUpload)
	http.HandleFunc("/api/v1/dataset/status/", api.handleDatasetStatus)
	http.HandleFunc("/api/v1/unlock/all", api.handleUnlockAll)

	fmt.Println("==================================================")
	fmt.Println("🚀 INFEROPS GATEWAY")
	fmt.Println("==================================================")
	fmt.Printf("Nodes configured:   %d\n", len(cfg.Nodes))
	fmt.Printf("Poll interval:      %v\n", cfg.PollInterval)
	fmt.Printf("Batch workers max:  %d\n", cfg.MaxWorkers)
	fmt.Printf("Job store:          %s\n", jobStoreKind)
	fmt.Println("==================================================")

	log.Printf("InferOps gateway listening on %s", cfg.Addr())

	// Wrap all routes with CORS + request logging for the dashboard.
	handler := middleware.CORSMiddleware(middleware.RequestLogger(http.DefaultServeMux))

	log.Fatal(http.ListenAndServe(cfg.Addr(), handler))
}
