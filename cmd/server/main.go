package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/adapter/handler"
	"github.com/shopmesh/checkout/internal/adapter/messaging"
	"github.com/shopmesh/checkout/internal/adapter/storage"
	"github.com/shopmesh/checkout/internal/config"
	"github.com/shopmesh/checkout/internal/core/domain"
	"github.com/shopmesh/checkout/internal/core/service"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("failed to open mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping mysql", zap.Error(err))
	}
	logger.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	logger.Info("connected to redis")

	// Adapters
	cartStore := storage.NewRedisCartStore(rdb)
	orderStore := storage.NewMySQLOrderStore(db)
	inventoryStore := storage.NewMySQLInventoryStore(db)
	bus := messaging.NewKafkaBus(cfg.KafkaBrokers, logger, cfg.PublishTimeout, cfg.PublishRetries)

	// Services
	ledger := service.NewInventoryLedger(inventoryStore, logger, cfg.ReservationTTL)
	carts := service.NewCartService(cartStore, ledger, bus, logger, service.CartConfig{
		UserTTL:  cfg.UserCartTTL,
		GuestTTL: cfg.GuestCartTTL,
		MaxItems: cfg.MaxCartItems,
	})
	orders := service.NewOrderService(orderStore, ledger, bus, logger, service.OrderConfig{
		ReservationTTL: cfg.ReservationTTL,
		AutoCancelAge:  cfg.AutoCancelAge,
	})

	// Consumers
	var wg sync.WaitGroup
	consume := func(topic string, h func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h(); err != nil {
				logger.Error("consumer stopped", zap.String("topic", topic), zap.Error(err))
			}
		}()
	}

	paymentHandler := service.NewPaymentEventHandler(orders, logger)
	consume(domain.TopicPaymentEvents, func() error {
		return bus.Consume(ctx, domain.TopicPaymentEvents, cfg.ConsumerGroup, paymentHandler)
	})

	if cfg.ConsumeInventoryEvents {
		inventoryHandler := service.NewInventoryEventHandler(ledger, logger)
		consume(domain.TopicInventoryEvents, func() error {
			return bus.Consume(ctx, domain.TopicInventoryEvents, cfg.ConsumerGroup, inventoryHandler)
		})
	}

	// Expiry scanner
	scanner := service.NewExpiryScanner(carts, orders, ledger, logger, cfg.ScanInterval, cfg.AutoCancelAge)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(carts, orders, ledger)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.HandleFunc("/api/cart", httpHandler.Cart)
	mux.HandleFunc("/api/cart/items", httpHandler.CartItems)
	mux.HandleFunc("/api/cart/merge", httpHandler.MergeCart)
	mux.HandleFunc("/api/checkout", httpHandler.Checkout)
	mux.HandleFunc("/api/orders", httpHandler.Order)
	mux.HandleFunc("/api/orders/cancel", httpHandler.CancelOrder)
	mux.HandleFunc("/api/orders/ship", httpHandler.ShipOrder)
	mux.HandleFunc("/api/orders/deliver", httpHandler.DeliverOrder)
	mux.HandleFunc("/api/availability", httpHandler.Availability)
	mux.HandleFunc("/api/stock", httpHandler.SetStock)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	cancel()
	wg.Wait()
	logger.Info("consumers and scanner stopped")

	bus.Close()
	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}
