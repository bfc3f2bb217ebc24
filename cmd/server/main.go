package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/marketsim/internal/api"
	"github.com/xtrntr/marketsim/internal/config"
	"github.com/xtrntr/marketsim/internal/db"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/kv"
	"github.com/xtrntr/marketsim/internal/logging"
	"github.com/xtrntr/marketsim/internal/publish"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// openStore picks the durable store named by cfg. The returned func releases it.
func openStore(ctx context.Context, cfg config.Store, logger *zap.Logger) (exchange.Store, func(), error) {
	switch cfg.Driver {
	case config.StorePostgres:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return database, database.Close, nil

	case config.StorePebble:
		store, err := kv.Open(cfg.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using pebble store", zap.String("dir", cfg.PebbleDir))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close pebble store", zap.Error(err))
			}
		}, nil
	}

	logger.Info("using in-memory state only")
	return exchange.NopStore{}, func() {}, nil
}

// Main entry point: loads config and logging, then hands over to run
func main() {
	envPath := flag.String("env", "", "path to a .env file (defaults to ./.env)")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Server.LogFile, logging.ParseLevel(cfg.Server.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server failed", zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run sets up the store, the settlement engine, and the HTTP server, and
// serves until ctx is done. Everything it opens is released before it returns.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer closeStore()

	hub := api.NewHub(256, logger)
	listeners := []exchange.Listener{hub}

	var publisher *publish.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = publish.NewPublisher(publish.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 256, logger)
		listeners = append(listeners, publisher)
		logger.Info("publishing settlements", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Initialize the settlement engine and rebuild it from the store
	engine := exchange.NewEngine(cfg.Engine, store, logger, listeners...)
	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover engine state: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go engine.Run(ctx)
	go hub.Run(ctx)
	if publisher != nil {
		go publisher.Run(ctx)
	}

	handler := api.NewHandler(engine, logger)

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWebSocket(engine))
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("instruments", engine.Instruments()),
		zap.Duration("tick", cfg.Engine.TickInterval),
		zap.Int("match_every", cfg.Engine.MatchEvery),
	)
	serveErr := srv.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	cancel()
	<-engine.Done()
	logger.Info("server stopped")
	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}
