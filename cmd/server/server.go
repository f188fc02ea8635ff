package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/config"
	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/leader"
	"github.com/0Andriy/roomsync/internal/domain/presence"
	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/infrastructure/logger"
	"github.com/0Andriy/roomsync/internal/infrastructure/memstore"
	"github.com/0Andriy/roomsync/internal/infrastructure/observability"
	"github.com/0Andriy/roomsync/internal/infrastructure/redisstore"
	"github.com/0Andriy/roomsync/internal/infrastructure/wstransport"
	"github.com/0Andriy/roomsync/internal/interfaces/httpserver"
	"github.com/0Andriy/roomsync/internal/utils/idgen"
)

// Application holds the main application components.
type Application struct {
	httpServer  *httpserver.HTTPServer
	coordinator *presence.Coordinator
	log         zerolog.Logger
}

// NewApplication creates a new application instance.
func NewApplication(httpServer *httpserver.HTTPServer, coordinator *presence.Coordinator, log zerolog.Logger) *Application {
	return &Application{
		httpServer:  httpServer,
		coordinator: coordinator,
		log:         log,
	}
}

// Start runs the application.
func (a *Application) Start(ctx context.Context) error {
	if err := a.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	// Run HTTP server (blocks until context cancelled)
	err := a.httpServer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if shutdownErr := a.coordinator.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.Error().Err(shutdownErr).Msg("coordinator shutdown failed")
	}

	return err
}

const shutdownGrace = 15 * time.Second

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.InstanceID == "" {
		instanceID, err := idgen.GenerateInstanceID()
		if err != nil {
			panic(fmt.Sprintf("failed to generate instance id: %v", err))
		}
		cfg.InstanceID = instanceID
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup observability
	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	// Initialize auth validator
	authValidator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth validator")
	}

	// Initialize the coordination backend
	store, bus, locker, err := buildBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize coordination backend")
	}

	// Initialize leader election
	elector, err := leader.New(leader.Config{
		Key:             cfg.LeaderKey,
		InstanceID:      cfg.InstanceID,
		RenewalInterval: cfg.LeaderRenewalInterval,
		LeaseTTL:        cfg.LeaderLeaseTTL,
	}, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize leader election")
	}

	// Initialize the websocket transport and coordinator
	transport := wstransport.New(log)
	coordinator, err := presence.NewCoordinator(presence.CoordinatorOptions{
		InstanceID:      cfg.InstanceID,
		JanitorInterval: cfg.JanitorInterval,
		JanitorLockTTL:  cfg.JanitorLockTTL,
	}, store, bus, transport, locker, elector, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize coordinator")
	}

	// Initialize HTTP server
	httpServer := httpserver.New(cfg, log, coordinator, store, transport, authValidator)

	// Create and start application
	app := NewApplication(httpServer, coordinator, log)

	log.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.HTTPPort).
		Str("environment", cfg.Environment).
		Str("store_backend", cfg.StoreBackend).
		Msg("starting application")

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

// buildBackend selects the coordination backend. The memory backend serves
// single-instance development runs; redis is the production path.
func buildBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (coordination.Store, coordination.Bus, coordination.Locker, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Warn().Msg("memory backend selected, replication across instances is disabled")
		store := memstore.NewStore()
		return store, memstore.NewBus(), memstore.NewLocker(), nil
	default:
		store, err := redisstore.NewStore(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		bus := redisstore.NewBus(store.Client(), log)
		locker := redisstore.NewLocker(store.Client(), log)
		return store, bus, locker, nil
	}
}

func loadEnvFiles() {
	paths := []string{".env", "../.env", "../../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
