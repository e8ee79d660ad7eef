package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/availability"
	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/booking"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/config"
	"github.com/ariefcatur/go-rental-cart/internal/httpx"
	kafkax "github.com/ariefcatur/go-rental-cart/internal/kafka"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/postgres"
	"github.com/ariefcatur/go-rental-cart/internal/redisx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/jackc/pgx/v5/pgxpool"
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

	// DB is optional for the api: snapshots and batch history only
	var db *pgxpool.Pool
	if cfg.CartStore == "postgres" {
		db, err = postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
	}

	persister := newPersister(ctx, cfg, db, logger)

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, rental.TopicBookingBatch, 1024, logger)
	prod.Start(ctx)

	// Backend & cart core
	be := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout)
	checker := availability.NewChecker(be, logger)
	exec := &booking.Executor{
		Checker:     checker,
		Creator:     be,
		Publisher:   prod,
		Concurrency: cfg.BatchConcurrency,
		ServiceName: cfg.ServiceName,
		Log:         logger,
	}
	carts := httpx.NewRegistry(cart.Options{
		Capacity:  cfg.CartCapacity,
		KeyPrefix: cfg.CartKeyPrefix,
		Persister: persister,
		Log:       logger,
	})

	router := httpx.NewRouter()
	ch := &httpx.CartsHandler{
		Carts:    carts,
		Checker:  checker,
		Executor: exec,
		Lookup:   be,
		Catalog:  be,
		PageSize: cfg.SearchPageSize,
		Log:      logger,
	}
	if db != nil {
		ch.History = &postgres.AuditRepo{DB: db}
	}
	ch.Register(router)

	// HTTP server
	srv := httpx.NewServer(cfg.HTTPAddr, router)

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("cart_store", cfg.CartStore))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	carts.Flush()     // last snapshots reach the store
	prod.Close()      // close inbox, flush & close writer
	cancel()          // stop producer loop and purge job
	prod.WaitClosed() // drain
}

func newPersister(ctx context.Context, cfg config.Config, db *pgxpool.Pool, logger *zap.Logger) cart.Persister {
	switch cfg.CartStore {
	case "postgres":
		s := postgres.NewSnapshotStore(db, cfg.CartKeyPrefix, cfg.CartExpiry, logger)
		go s.RunPurge(ctx, time.Hour)
		return s
	case "memory":
		return cart.NewMemoryPersister(cfg.CartKeyPrefix, cfg.CartExpiry)
	default:
		rdb := redisx.New(cfg.RedisAddr)
		go func() {
			<-ctx.Done()
			_ = rdb.Close()
		}()
		return redisx.NewSnapshotStore(rdb, cfg.CartKeyPrefix, cfg.CartExpiry, logger)
	}
}
