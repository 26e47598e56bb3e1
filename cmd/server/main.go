package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/eksporyuk/broadcast-engine/internal/api"
	"github.com/eksporyuk/broadcast-engine/internal/config"
	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/render"
	"github.com/eksporyuk/broadcast-engine/internal/repository/memory"
	"github.com/eksporyuk/broadcast-engine/internal/repository/postgres"
	"github.com/eksporyuk/broadcast-engine/internal/segment"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
	"github.com/eksporyuk/broadcast-engine/internal/service/sending"
	"github.com/eksporyuk/broadcast-engine/internal/tracker"
	"github.com/eksporyuk/broadcast-engine/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting Broadcast Engine API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Campaign and lead storage: PostgreSQL when configured, in-memory
	// otherwise (development only; nothing survives a restart).
	var (
		db        *sql.DB
		repo      broadcast.Repository
		leadStore segment.LeadStore
		unsubs    tracker.Unsubscriber
	)
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
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

		repo = postgres.NewBroadcastRepo(db)
		leads := postgres.NewLeadRepo(db)
		leadStore, unsubs = leads, leads
	} else {
		log.Println("WARNING: no database configured, using in-memory storage")
		memRepo := memory.NewBroadcastRepo()
		memLeads := memory.NewLeadRepo()
		repo, leadStore, unsubs = memRepo, memLeads, memLeads
	}

	// Credit ledger: Redis when configured, in-memory otherwise.
	var (
		redisClient *redis.Client
		ledger      credit.Ledger
	)
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
		log.Println("WARNING: no Redis configured, using in-memory credit ledger")
		mem := credit.NewMemoryLedger()
		if cfg.Credits.InitialBalance > 0 {
			if _, err := mem.Deposit(context.Background(), "default", cfg.Credits.InitialBalance); err != nil {
				log.Fatalf("Failed to seed credit ledger: %v", err)
			}
			log.Printf("Seeded dev account with %d credits", cfg.Credits.InitialBalance)
		}
		ledger = mem
	}

	// Delivery transport.
	var sender sending.Sender
	switch cfg.Sending.Transport {
	case "webhook":
		if cfg.Sending.WebhookURL == "" {
			log.Fatal("sending.webhook_url is required for the webhook transport")
		}
		sender = sending.NewWebhookSender(cfg.Sending.WebhookURL, nil)
		log.Printf("Delivery transport: webhook (%s)", cfg.Sending.WebhookURL)
	default:
		sender = &sending.LogSender{}
		log.Println("Delivery transport: log (development)")
	}

	renderOpts := []render.Option{render.WithCompanyName(cfg.Sending.CompanyName)}
	if cfg.Tracking.PublicBaseURL != "" {
		renderOpts = append(renderOpts, render.WithTrackingBase(cfg.Tracking.PublicBaseURL+"/track"))
	}

	svc := broadcast.NewService(repo, ledger, segment.NewResolver(leadStore), sender, render.New(renderOpts...))
	svc.SetSendConcurrency(cfg.Dispatcher.SendConcurrency)

	// Engagement tracking: events go to SQS when a queue is configured,
	// otherwise they are applied synchronously in-process.
	trk := tracker.New(repo, unsubs)
	var sink tracker.Sink
	if cfg.Tracking.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Tracking.AWSRegion))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		sink = tracker.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Tracking.QueueURL)
		log.Printf("Engagement events publish to SQS queue %s", cfg.Tracking.QueueURL)
	} else {
		sink = &tracker.DirectSink{Tracker: trk}
		log.Println("Engagement events applied synchronously (no queue configured)")
	}

	// Scheduled dispatch runs in-process when enabled; production setups
	// usually disable it here and run cmd/worker instead.
	if cfg.Dispatcher.Enabled {
		locks := worker.NewLockFactory(redisClient, db)
		dispatcher := worker.NewDispatcher(svc, repo, locks)
		dispatcher.SetPollInterval(cfg.Dispatcher.PollInterval())
		dispatcher.SetBatchLimit(cfg.Dispatcher.DueBatchLimit)
		if err := dispatcher.Start(); err != nil {
			log.Fatalf("Failed to start dispatcher: %v", err)
		}
		defer dispatcher.Stop()

		reaper := worker.NewReaper(repo)
		reaper.SetThreshold(cfg.Dispatcher.StuckThreshold())
		if err := reaper.Start(); err != nil {
			log.Fatalf("Failed to start reaper: %v", err)
		}
		defer reaper.Stop()
	}

	server := api.NewServer(cfg.Server, api.NewHandlers(svc, tracker.NewHandler(sink)))

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	go func() {
		log.Printf("API server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
