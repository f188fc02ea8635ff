//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/config"
	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/leader"
	"github.com/0Andriy/roomsync/internal/domain/presence"
	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/infrastructure/redisstore"
	"github.com/0Andriy/roomsync/internal/infrastructure/wstransport"
	"github.com/0Andriy/roomsync/internal/interfaces/httpserver"
)

// ProviderSet is the wire provider set for the application.
var ProviderSet = wire.NewSet(
	// Infrastructure providers
	ProvideStore,
	ProvideBus,
	ProvideLocker,
	ProvideTransport,
	ProvideAuthValidator,

	// Domain providers
	ProvideElector,
	ProvideCoordinator,

	// Interface providers
	httpserver.New,

	// Application
	NewApplication,
)

// ProvideStore provides the redis coordination store.
func ProvideStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redisstore.Store, error) {
	return redisstore.NewStore(ctx, cfg.RedisURL, log)
}

// ProvideBus provides the redis pub/sub bus.
func ProvideBus(store *redisstore.Store, log zerolog.Logger) coordination.Bus {
	return redisstore.NewBus(store.Client(), log)
}

// ProvideLocker provides the redsync-backed distributed locker.
func ProvideLocker(store *redisstore.Store, log zerolog.Logger) coordination.Locker {
	return redisstore.NewLocker(store.Client(), log)
}

// ProvideTransport provides the websocket transport.
func ProvideTransport(log zerolog.Logger) *wstransport.Transport {
	return wstransport.New(log)
}

// ProvideAuthValidator provides an auth validator.
func ProvideAuthValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*auth.Validator, error) {
	return auth.NewValidator(ctx, cfg, log)
}

// ProvideElector provides the leader elector.
func ProvideElector(cfg *config.Config, store *redisstore.Store, log zerolog.Logger) (*leader.Elector, error) {
	return leader.New(leader.Config{
		Key:             cfg.LeaderKey,
		InstanceID:      cfg.InstanceID,
		RenewalInterval: cfg.LeaderRenewalInterval,
		LeaseTTL:        cfg.LeaderLeaseTTL,
	}, store, log)
}

// ProvideCoordinator provides the presence coordinator.
func ProvideCoordinator(
	cfg *config.Config,
	store *redisstore.Store,
	bus coordination.Bus,
	transport *wstransport.Transport,
	locker coordination.Locker,
	elector *leader.Elector,
	log zerolog.Logger,
) (*presence.Coordinator, error) {
	return presence.NewCoordinator(presence.CoordinatorOptions{
		InstanceID:      cfg.InstanceID,
		JanitorInterval: cfg.JanitorInterval,
		JanitorLockTTL:  cfg.JanitorLockTTL,
	}, store, bus, transport, locker, elector, log)
}

// CreateApplication creates the application with all dependencies wired.
func CreateApplication(
	ctx context.Context,
	cfg *config.Config,
	log zerolog.Logger,
) (*Application, error) {
	wire.Build(
		ProviderSet,
		wire.Bind(new(coordination.Store), new(*redisstore.Store)),
	)
	return nil, nil
}
