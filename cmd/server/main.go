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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Name, cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(cfg.Server.Name, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	publisher := broker.NewPublisher(producer, cfg.Server.Name)

	orderService := service.NewOrderService(db, publisher, cfg.Kafka.TopicOrders)
	inventoryService := service.NewInventoryService(db, redisClient, publisher,
		cfg.Kafka.TopicInventory, cfg.Saga.ReservationTTL)
	paymentService := service.NewPaymentService(db,
		[]service.PaymentProvider{service.NewCardGateway(), service.NewWalletGateway()},
		publisher, cfg.Kafka.TopicPayments)

	coordinator := saga.NewCoordinator(orderService, inventoryService, paymentService,
		db, domain.PaymentMethod(cfg.Saga.ChargeMethod))

	ctx := context.Background()
	if err := inventoryService.SyncInventoryCache(ctx); err != nil {
		log.Printf("Failed to sync inventory cache: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewSagaWorker(orderConsumer, coordinator)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil {
			log.Printf("Order saga worker error: %v", err)
		}
	}()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewSagaWorker(paymentConsumer, coordinator)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			log.Printf("Payment saga worker error: %v", err)
		}
	}()

	sweeper := worker.NewReservationSweeper(inventoryService, cfg.Saga.SweepInterval)
	go sweeper.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, inventoryService, paymentService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	orderWorker.Stop()
	paymentWorker.Stop()

	log.Println("Server exited")
}
