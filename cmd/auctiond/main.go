package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaronwang/auction-core/internal/config"
	"github.com/aaronwang/auction-core/internal/events"
	"github.com/aaronwang/auction-core/internal/handlers"
	"github.com/aaronwang/auction-core/internal/lifecycle"
	"github.com/aaronwang/auction-core/internal/logging"
	"github.com/aaronwang/auction-core/internal/notify"
	"github.com/aaronwang/auction-core/internal/reconcile"
	redisClient "github.com/aaronwang/auction-core/internal/redis"
	"github.com/aaronwang/auction-core/internal/service"
	"github.com/aaronwang/auction-core/internal/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const devSecret = "dev-secret-change-me"

func main() {
	cfg := loadConfig()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Auction core stopped", zap.Error(err))
	}
	logger.Info("Auction core stopped gracefully")
}

func run(cfg *Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategy, err := redisClient.ParseStrategy(cfg.RedisStrategy)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == devSecret {
		logger.Warn("JWT_SECRET not set, using the development secret")
	}

	logger.Info("Connecting to Redis", zap.String("addr", cfg.RedisAddr), zap.String("strategy", string(strategy)))
	store, err := redisClient.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, strategy, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("Connecting to NATS", zap.String("url", cfg.NatsURL))
	natsConn, err := nats.Connect(cfg.NatsURL,
		nats.Name("auctiond"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	publisher, err := events.NewPublisher(ctx, natsConn, logger)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(notify.NewNATSTransport(natsConn), logger,
		notify.WithPaymentWindow(cfg.PaymentWindow))
	go dispatcher.Run(ctx)

	admission := reconcile.NewController(cfg.MaxActiveAuctions, cfg.DeferSpacing)
	scheduler := lifecycle.NewScheduler(store, lifecycle.MultiSink{dispatcher, publisher}, logger,
		lifecycle.WithInterval(cfg.TickInterval),
		lifecycle.WithGate(admission),
	)
	defer scheduler.Close()

	bidding := service.NewBiddingService(store, dispatcher, publisher, logger,
		service.WithMaxAttempts(cfg.BidMaxAttempts))
	auctions := service.NewAuctionService(store, scheduler, dispatcher, logger)

	// the view is written only by the listener
	view := reconcile.NewView(logger)
	listener := reconcile.NewListener(store, scheduler, admission, view, logger)

	sub, err := store.SubscribeChanges(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	changes := make(chan *redisClient.Message, 256)
	fatal := make(chan error, 3)
	go func() {
		defer close(changes)
		if err := sub.Listen(ctx, changes); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- err
		}
	}()
	go func() {
		if err := listener.Run(ctx, changes); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- err
		}
	}()

	manager := websocket.NewManager(logger)
	go manager.Run(ctx)
	updates, unsubscribe := view.Subscribe("")
	defer unsubscribe()
	go manager.Forward(ctx, updates)

	handler := handlers.NewHandler(bidding, auctions, view, handlers.NewAuthenticator(cfg.JWTSecret), logger)
	stream := websocket.NewHandler(manager, view)
	router := handler.SetupRoutes(stream)
	router.HandleFunc("/ws/auctions/{id}/stats", stream.Stats).Methods("GET")

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Auction core listening", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-fatal:
		logger.Error("Component failed, shutting down", zap.Error(runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	return runErr
}

// Config holds application configuration
type Config struct {
	ServerAddr        string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStrategy     string // "lua" or "optimistic"
	NatsURL           string
	JWTSecret         string
	TickInterval      time.Duration
	MaxActiveAuctions int
	DeferSpacing      time.Duration
	BidMaxAttempts    int
	PaymentWindow     time.Duration
	LogLevel          string
	LogDevelopment    bool
}

// loadConfig loads configuration from environment variables
func loadConfig() *Config {
	return &Config{
		ServerAddr:        config.GetEnv("SERVER_ADDR", ":8080"),
		RedisAddr:         config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:           config.GetEnvInt("REDIS_DB", 0),
		RedisStrategy:     config.GetEnv("REDIS_STRATEGY", "lua"),
		NatsURL:           config.GetEnv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:         config.GetEnv("JWT_SECRET", devSecret),
		TickInterval:      config.GetEnvDuration("TICK_INTERVAL", time.Second),
		MaxActiveAuctions: config.GetEnvInt("MAX_ACTIVE_AUCTIONS", reconcile.DefaultMaxActive),
		DeferSpacing:      config.GetEnvDuration("DEFER_SPACING", reconcile.DefaultSpacing),
		BidMaxAttempts:    config.GetEnvInt("BID_MAX_ATTEMPTS", service.DefaultMaxAttempts),
		PaymentWindow:     config.GetEnvDuration("PAYMENT_WINDOW", 48*time.Hour),
		LogLevel:          config.GetEnv("LOG_LEVEL", "info"),
		LogDevelopment:    config.GetEnvBool("LOG_DEVELOPMENT", false),
	}
}
