package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"charter-service/config"
	"charter-service/internal/api"
	"charter-service/internal/broker"
	"charter-service/internal/clock"
	"charter-service/internal/messaging"
	"charter-service/internal/migrations"
	"charter-service/internal/payment"
	"charter-service/internal/redisclient"
	"charter-service/internal/service"
	"charter-service/internal/store"
	"charter-service/internal/util"
	"charter-service/internal/worker"
)

const serviceName = "charter-service"

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting charter service")

	tp, err := util.InitTracer(serviceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := migrations.UpFromURL(cfg.Database.URL, logger); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	eventPublisher := broker.NewEventPublisher(producer)
	clk := clock.NewSystem()

	slotService := service.NewSlotService(db, redisClient, clk, cfg.Booking.OperatorLockTTL)
	quoteService := service.NewQuoteService(db, db, slotService, clk, service.QuoteConfig{
		Validity:      cfg.Booking.QuoteTTL,
		ServiceFeeBps: cfg.Pricing.ServiceFeeBps,
		TaxBps:        cfg.Pricing.TaxBps,
		Currency:      cfg.Pricing.Currency,
		MaxPassengers: cfg.Booking.MaxPassengerCount,
	})
	holdService := service.NewHoldService(db, db, slotService, redisClient, eventPublisher, clk,
		service.WithHoldTTL(cfg.Booking.HoldTTL),
		service.WithClaimTimeout(cfg.Booking.ClaimTimeout),
	)
	finalizer := service.NewFinalizer(db, db, db, slotService, redisClient, eventPublisher, clk)
	settlement := service.NewSettlement(db, finalizer, payment.NewVerifier(cfg.Wompi.WebhookSecret), clk)

	wompi := payment.NewClient(cfg.Wompi.BaseURL, cfg.Wompi.PrivateKey, cfg.Server.BaseURL, cfg.Wompi.DryRun)
	checkoutService := service.NewCheckoutService(db, db, db, wompi, clk)

	chatrace := messaging.NewClient(cfg.Chatrace.BaseURL, cfg.Chatrace.Token, cfg.Chatrace.Enabled)
	notificationService := service.NewNotificationService(db, chatrace)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweeperWorker(holdService, redisClient, cfg.Booking.SweepInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Sweeper error", zap.Error(err))
		}
	}()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, notificationService)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Dependencies{
		Slots:      slotService,
		Quotes:     quoteService,
		Holds:      holdService,
		Checkout:   checkoutService,
		Settlement: settlement,
		Limiter:    redisClient,
		RateLimit: api.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		},
		Checks: []api.ReadinessCheck{
			{Name: "postgres", Ping: db.Ping},
			{Name: "redis", Ping: redisClient.Ping},
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
