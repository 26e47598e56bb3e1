package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/eksporyuk/broadcast-engine/internal/config"
	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/render"
	"github.com/eksporyuk/broadcast-engine/internal/repository/postgres"
	"github.com/eksporyuk/broadcast-engine/internal/segment"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
	"github.com/eksporyuk/broadcast-engine/internal/service/sending"
	"github.com/eksporyuk/broadcast-engine/internal/tracker"
	"github.com/eksporyuk/broadcast-engine/internal/worker"
)

// The worker binary runs the scheduled-dispatch loop, the stuck-campaign
// watchdog, and the engagement event consumer. It shares no process state
// with the API server; coordination happens through the database and the
// distributed locks.
func main() {
	log.Println("Starting Broadcast Engine worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required for the worker")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to PostgreSQL")

	var redisClient *redis.Client
	var ledger credit.Ledger
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Failed to ping Redis: %v", err)
		}
		log.Println("Connected to Redis")
		ledger = credit.NewRedisLedger(redisClient)
	} else {
		// A lone worker without Redis cannot share balances with the API
		// server. Acceptable for single-process testing only.
		log.Println("WARNING: no Redis configured, credit balances are process-local")
		ledger = credit.NewMemoryLedger()
	}

	var sender sending.Sender
	switch cfg.Sending.Transport {
	case "webhook":
		if cfg.Sending.WebhookURL == "" {
			log.Fatal("sending.webhook_url is required for the webhook transport")
		}
		sender = sending.NewWebhookSender(cfg.Sending.WebhookURL, nil)
	default:
		sender = &sending.LogSender{}
	}

	renderOpts := []render.Option{render.WithCompanyName(cfg.Sending.CompanyName)}
	if cfg.Tracking.PublicBaseURL != "" {
		renderOpts = append(renderOpts, render.WithTrackingBase(cfg.Tracking.PublicBaseURL+"/track"))
	}

	repo := postgres.NewBroadcastRepo(db)
	leads := postgres.NewLeadRepo(db)
	svc := broadcast.NewService(repo, ledger, segment.NewResolver(leads), sender, render.New(renderOpts...))
	svc.SetSendConcurrency(cfg.Dispatcher.SendConcurrency)

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	dispatcher := worker.NewDispatcher(svc, repo, worker.NewLockFactory(redisClient, db))
	dispatcher.SetPollInterval(cfg.Dispatcher.PollInterval())
	dispatcher.SetBatchLimit(cfg.Dispatcher.DueBatchLimit)
	if err := dispatcher.Start(); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	reaper := worker.NewReaper(repo)
	reaper.SetThreshold(cfg.Dispatcher.StuckThreshold())
	if err := reaper.Start(); err != nil {
		log.Fatalf("Failed to start reaper: %v", err)
	}

	var consumer *tracker.Consumer
	if cfg.Tracking.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.AWSRegion))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		consumer = tracker.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Tracking.QueueURL, tracker.New(repo, leads))
		consumer.Start(ctx)
		log.Printf("Engagement consumer polling %s", cfg.Tracking.QueueURL)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancelAll()
	if consumer != nil {
		consumer.Stop()
	}
	dispatcher.Stop()
	reaper.Stop()
	log.Println("Worker stopped")
}
