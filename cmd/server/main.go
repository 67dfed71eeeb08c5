package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/gochat-dm/internal/auth"
	"github.com/Tyrowin/gochat-dm/internal/chat"
	"github.com/Tyrowin/gochat-dm/internal/config"
	"github.com/Tyrowin/gochat-dm/internal/logging"
	"github.com/Tyrowin/gochat-dm/internal/relay"
	"github.com/Tyrowin/gochat-dm/internal/server"
	"github.com/Tyrowin/gochat-dm/internal/store/memory"
	"github.com/Tyrowin/gochat-dm/internal/store/mongo"
	"github.com/Tyrowin/gochat-dm/internal/store/postgres"
)

const startupTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "path to a config file (defaults to ./config/config.yaml when present)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"env":   cfg.Env,
		"store": cfg.StoreDriver,
	}).Info("Starting GoChat server...")

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	store, err := openStore(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			logger.WithError(err).Warn("Error closing store")
		}
	}()

	var rl relay.Relay
	if cfg.RedisURL != "" {
		redisRelay, err := relay.Dial(startCtx, cfg.RedisURL, cfg.RelayChannel, logger)
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		defer func() {
			if err := redisRelay.Close(); err != nil {
				logger.WithError(err).Warn("Error closing relay")
			}
		}()
		rl = redisRelay
		logger.WithField("node", redisRelay.Node()).Info("Relay enabled")
	}

	verifier, err := auth.NewVerifier(cfg.AccessTokenSecret)
	if err != nil {
		return err
	}

	svc := chat.NewService(store, logger)
	hub := server.NewHub(logger, rl)
	go hub.Run()

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(svc, verifier, hub, logger, server.OptionsFromConfig(cfg))
	httpServer := server.CreateServer(cfg.Addr(), srv.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serverErr:
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("Hub did not shut down cleanly")
	}
	logger.Info("Server stopped")
	return nil
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (chat.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if err := store.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
		logger.Info("Connected to PostgreSQL")
		return store, nil

	case config.DriverMongo:
		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		logger.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
		return store, nil

	default:
		logger.Warn("Using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}
