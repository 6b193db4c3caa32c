package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meshbus/warden/config"
	"github.com/meshbus/warden/coordinator"
	"github.com/meshbus/warden/dispatch"
	"github.com/meshbus/warden/store/postgres"
	"github.com/meshbus/warden/transport"
	"github.com/meshbus/warden/transport/wsbroker"
	"github.com/meshbus/warden/worker"
)

var version = "dev"

func main() {
	dbDSN := os.Getenv("DB_DSN")
	if dbDSN == "" {
		log.Fatal("DB_DSN environment variable is required")
	}
	brokerURL := env("BROKER_URL", "ws://localhost:8090/ws")
	hostName, _ := os.Hostname()
	instanceID := uuid.Must(uuid.NewV7())

	fmt.Printf("warden %s instance=%s\n", version, instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open postgres store + run migrations.
	db, err := postgres.Open(ctx, dbDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Load config (seeds defaults into DB if first run).
	cfg, err := config.Load(ctx, db)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfgData := cfg.Get()

	broker := wsbroker.NewClient(brokerURL, transport.Handler{
		OnConnected: func() { log.Printf("warden: broker connected") },
	})
	go broker.Run(ctx)

	// The publisher worker drives its own poll cadence and calls Flush
	// itself every iteration, so Immediate (flush-on-demand, no ticker of
	// its own) is the right strategy here — Interval would double-flush.
	strategy := coordinator.NewImmediate(db, instanceID, hostName,
		cfgData.PartitionCount, cfgData.LeaseSeconds, cfgData.BatchSize, cfgData.DebugMode, cfgData.StaleThresholdSeconds)

	pub := worker.NewPublisherWorker(strategy, broker, worker.PublisherWorkerOptions{
		PollingInterval:    time.Duration(cfgData.PollingIntervalMS) * time.Millisecond,
		IdleThresholdPolls: cfgData.IdleThresholdPolls,
		ParallelizeStreams: cfgData.ParallelizeStreams,
	}, worker.Handler{
		OnIdle: func() { log.Printf("publisher: idle") },
	})

	persp := worker.NewPerspectiveWorker(db, instanceID, nil, worker.PerspectiveWorkerOptions{
		PollingInterval:    time.Duration(cfgData.PollingIntervalMS) * time.Millisecond,
		IdleThresholdPolls: cfgData.IdleThresholdPolls,
	}, worker.Handler{
		OnIdle: func() { log.Printf("perspective: idle") },
	})

	// Receptor registrations, like perspective projections, belong to the
	// deployment embedding this core — an empty table just means every
	// inbox row is reported complete without a side effect.
	receptorTable, err := dispatch.New()
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	recept := worker.NewReceptorWorker(strategy, receptorTable, "default", db, worker.ReceptorWorkerOptions{
		PollingInterval:    time.Duration(cfgData.PollingIntervalMS) * time.Millisecond,
		IdleThresholdPolls: cfgData.IdleThresholdPolls,
		ParallelizeStreams: cfgData.ParallelizeStreams,
	}, worker.Handler{
		OnIdle: func() { log.Printf("receptor: idle") },
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); pub.Run(ctx) }()
	go func() { defer wg.Done(); persp.Run(ctx) }()
	go func() { defer wg.Done(); recept.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Println("shutting down…")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("shutdown: workers did not stop in time")
	}

	if err := strategy.Close(); err != nil {
		log.Printf("shutdown: final flush: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
