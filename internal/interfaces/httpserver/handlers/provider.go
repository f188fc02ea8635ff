package handlers

import (
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
	"github.com/0Andriy/roomsync/internal/domain/presence"
	"github.com/0Andriy/roomsync/internal/infrastructure/auth"
	"github.com/0Andriy/roomsync/internal/infrastructure/wstransport"
)

// Provider bundles all HTTP handlers.
type Provider struct {
	Cluster   *ClusterHandler
	Namespace *NamespaceHandler
	WS        *WSHandler
}

// NewProvider wires handlers to the coordinator and transport.
func NewProvider(
	coordinator *presence.Coordinator,
	store coordination.Store,
	leaderKey string,
	transport *wstransport.Transport,
	validator *auth.Validator,
	log zerolog.Logger,
) *Provider {
	return &Provider{
		Cluster:   NewClusterHandler(coordinator, store, leaderKey),
		Namespace: NewNamespaceHandler(coordinator, log),
		WS:        NewWSHandler(transport, validator, log),
	}
}
