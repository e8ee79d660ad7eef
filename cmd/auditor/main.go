package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-rental-cart/internal/audit"
	"github.com/ariefcatur/go-rental-cart/internal/config"
	kafkax "github.com/ariefcatur/go-rental-cart/internal/kafka"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/postgres"
	"github.com/ariefcatur/go-rental-cart/internal/redisx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logx.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &audit.Service{
		Repo:        &postgres.AuditRepo{DB: db},
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-auditor",
		Log:         logger,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.AuditGroup, rental.TopicBookingBatch, cfg.AuditWorkers, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("auditor consumer started",
			zap.String("group", cfg.AuditGroup),
			zap.String("topic", rental.TopicBookingBatch),
			zap.Int("workers", cfg.AuditWorkers))
		if err := cons.Start(ctx, svc.HandleBatchCompleted); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer...")
	cancel()
	<-done
}
