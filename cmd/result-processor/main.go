package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/formulatex/formulatex-api/internal/config"
	"github.com/formulatex/formulatex-api/internal/domain/model"
	"github.com/formulatex/formulatex-api/internal/domain/recognition"
	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/domain/wallet"
	"github.com/formulatex/formulatex-api/internal/pkg/broker"
	"github.com/formulatex/formulatex-api/internal/pkg/database"
	"github.com/formulatex/formulatex-api/internal/pkg/health"
	"github.com/formulatex/formulatex-api/internal/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Development: cfg.IsDevelopment()})

	log.Info().Msg("Starting result-processor")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

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

	taskRepo := task.NewRepository(db)
	processor := recognition.NewProcessor(
		taskRepo,
		wallet.NewService(wallet.NewRepository(db)),
		model.NewRepository(db, rdb, cfg.ModelCostCacheTTL),
		client,
		recognition.NewRetryPolicy(cfg.MaxDeliveryAttempts),
		recognition.NewRedisStatusNotifier(rdb),
	)
	sweeper := recognition.NewDeadLetterSweeper(taskRepo)

	hs := health.NewServer(cfg.HealthPort)
	hs.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown: finish settling the in-flight result, then exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		hs.SetReady(false)
		cancel()
	}()

	hostname, _ := os.Hostname()
	deliveries, err := client.ConsumeResults("result-processor-" + hostname)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to consume result queue")
	}
	deadLetters, err := client.ConsumeDeadLetters("dead-letter-sweeper-" + hostname)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to consume dead letter queue")
	}

	hs.SetReady(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx, deadLetters)
	}()

	processor.Run(ctx, deliveries)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hs.Stop(shutdownCtx)

	log.Info().Msg("result-processor stopped")
}
