// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/twofold/twofold/internal/config"
	"github.com/twofold/twofold/internal/observability"
	"github.com/twofold/twofold/internal/pairing"
)

// Backend is the storage the serve command runs on.
type Backend struct {
	Spaces       pairing.SpaceRepository
	Verification pairing.VerificationRepository
	// Ping backs the readiness check.
	Ping  func(ctx context.Context) error
	Close func()
}

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// BackendFactory connects to the database.
	// Default: store.Open with the PostgreSQL repositories
	BackendFactory func(ctx context.Context, databaseURL string, logger *slog.Logger) (*Backend, error)

	// MigratorFactory opens the schema migrator used before serving.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// NotifierFactory builds the notification backend and a func releasing it.
	// Default: newNotifier
	NotifierFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pairing.Notifier, func() error, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// APIServerFactory creates the API server.
	// Default: web.NewServer
	APIServerFactory func(addr string, handler http.Handler) APIServer
}

// AutoMigrator is the part of store.Migrator used on startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// APIServer interface wraps the methods used from web.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
