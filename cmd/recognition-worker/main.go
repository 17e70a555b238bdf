package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/config"
	"github.com/formulatex/formulatex-api/internal/domain/recognition"
	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/pkg/broker"
	"github.com/formulatex/formulatex-api/internal/pkg/database"
	"github.com/formulatex/formulatex-api/internal/pkg/health"
	"github.com/formulatex/formulatex-api/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Development: cfg.IsDevelopment()})

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = hostname + "-" + uuid.New().String()[:8]
	}

	log.Info().Str("worker_id", workerID).Msg("Starting recognition-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	client, err := broker.Connect(broker.Config{
		URL:              cfg.BrokerURL,
		TaskExchange:     cfg.TaskExchange,
		TaskQueue:        cfg.TaskQueue,
		TaskRoutingKey:   cfg.TaskRoutingKey,
		ResultExchange:   cfg.ResultExchange,
		ResultQueue:      cfg.ResultQueue,
		ResultRoutingKey: cfg.ResultRoutingKey,
		DeadLetterQueue:  cfg.DeadLetterQueue,
		Prefetch:         cfg.Prefetch,
		MessageTTL:       cfg.QueueMessageTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer client.Close()

	recognizer := recognition.NewHTTPRecognizer(cfg.InferenceURL, cfg.InferenceTimeout)
	worker := recognition.NewWorker(
		workerID,
		task.NewRepository(db),
		recognizer,
		client,
		recognition.NewRetryPolicy(cfg.MaxDeliveryAttempts),
	)

	hs := health.NewServer(cfg.HealthPort)
	hs.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: stop accepting deliveries, drain the in-flight one
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		hs.SetReady(false)
		cancel()
	}()

	deliveries, err := client.ConsumeDispatch(workerID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to consume dispatch queue")
	}

	hs.SetReady(true)
	worker.Run(ctx, deliveries)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hs.Stop(shutdownCtx)

	log.Info().Str("worker_id", workerID).Msg("recognition-worker stopped")
}
