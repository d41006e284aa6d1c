package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-fulfillment/config"
	"marketplace-fulfillment/internal/api"
	"marketplace-fulfillment/internal/broker"
	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/redisclient"
	"marketplace-fulfillment/internal/service"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/store/memstore"
	"marketplace-fulfillment/internal/util"
	"marketplace-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service", zap.String("env", cfg.Server.Env))

	if err := run(cfg, logger); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	checks := map[string]api.Pinger{"database": db}

	var idempotency api.IdempotencyStore
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		idempotency = redisClient
		checks["redis"] = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	notifier, closeNotifier, err := openNotifier(cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	inventory := service.NewInventoryService(db, ledger.New(), notifier, cfg.Business.LowStockThreshold)
	orders := service.NewOrderService(db, inventory, notifier, cfg.Business.BulkLimit)
	vendors := service.NewVendorService(db, inventory, notifier, cfg.Business.BulkLimit)
	returns := service.NewReturnsService(db, inventory, notifier, cfg.Business.StoreCreditValidity(), cfg.Business.BulkLimit)
	payments := service.NewPaymentService(db, notifier)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(api.Dependencies{
		Inventory:      inventory,
		Orders:         orders,
		Vendors:        vendors,
		Returns:        returns,
		Payments:       payments,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.Business.IdempotencyTTL,
		Checks:         checks,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Kafka.ConsumePayments {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
		paymentWorker := worker.NewPaymentEventWorker(consumer, service.NewGatewayHandler(payments, returns))

		g.Go(func() error {
			err := paymentWorker.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("payment event worker: %w", err)
			}
			return nil
		})
		defer func() {
			if err := paymentWorker.Stop(); err != nil {
				logger.Warn("Error stopping payment event worker", zap.Error(err))
			}
		}()
	}

	return g.Wait()
}

// openDatabase returns the configured store, migrated and reachable
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (store.Database, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "postgres", "":
		db, err := store.NewStore(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openNotifier picks the transport business events are published on
func openNotifier(cfg *config.Config) (service.Notifier, func(), error) {
	logger := util.GetLogger()

	switch cfg.Notify.Transport {
	case "kafka":
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicNotifications))
		return broker.NewEventPublisher(producer), func() {
			if err := producer.Close(); err != nil {
				logger.Warn("Error closing kafka producer", zap.Error(err))
			}
		}, nil
	case "rabbitmq":
		publisher, err := broker.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		logger.Info("RabbitMQ publisher initialized", zap.String("exchange", cfg.RabbitMQ.Exchange))
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("Error closing rabbitmq publisher", zap.Error(err))
			}
		}, nil
	case "none", "":
		return service.NopNotifier{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify transport %q", cfg.Notify.Transport)
	}
}
