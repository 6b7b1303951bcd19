// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/twofold/twofold/internal/config"
	"github.com/twofold/twofold/internal/logging"
	"github.com/twofold/twofold/internal/notify"
	"github.com/twofold/twofold/internal/observability"
	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/internal/pairing/postgres"
	"github.com/twofold/twofold/internal/store"
	"github.com/twofold/twofold/internal/web"
	"github.com/twofold/twofold/pkg/errutil"
)

// shutdownTimeout bounds the graceful stop of servers and background notifications.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pairing API server",
		Long: `Start the HTTP API that pairs members into spaces, issues session
credentials and verifies email addresses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigFile()
			if err != nil {
				return err
			}
			cfg, err := config.Load(cmd.Flags(), path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, autoMigrate, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply pending schema migrations before serving")

	return cmd
}

// runServeWithDeps serves until ctx is cancelled or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, autoMigrate bool, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.BackendFactory == nil {
		deps.BackendFactory = openPostgresBackend
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if deps.NotifierFactory == nil {
		deps.NotifierFactory = newNotifier
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, checker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, checker)
		}
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(addr string, handler http.Handler) APIServer {
			return web.NewServer(addr, handler)
		}
	}

	logger, err := logging.SetDefault(logging.Options{
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})
	if err != nil {
		return oops.With("operation", "set up logging").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if autoMigrate {
		if err := applyMigrations(deps.MigratorFactory, cfg.Secrets.DatabaseURL, logger); err != nil {
			return err
		}
	}

	backend, err := deps.BackendFactory(ctx, cfg.Secrets.DatabaseURL, logger)
	if err != nil {
		return oops.With("operation", "connect to database").Wrap(err)
	}
	defer backend.Close()
	logger.Info("connected to database")

	notifier, closeNotifier, err := deps.NotifierFactory(ctx, cfg, logger)
	if err != nil {
		return oops.With("operation", "create notifier").Wrap(err)
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			errutil.LogWarn(logger, "failed to close notifier", err)
		}
	}()

	dispatcher := notify.NewDispatcher(logger, cfg.Notify.Timeout)
	svc, verification, err := buildService(cfg, backend, notifier, dispatcher, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metrics *observability.Metrics
	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, backend.Ping)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metrics = obsServer.Metrics()
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	router := web.NewRouter(svc, web.Options{
		Metrics:        metrics,
		Logger:         logger,
		SecureCookies:  cfg.HTTP.SecureCookies,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	apiServer := deps.APIServerFactory(cfg.HTTP.Addr, router)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopServer(obsServer, "observability")
		return oops.With("operation", "start api server").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		runJanitor(ctx, cfg.Pairing.PurgeInterval, verification, logger)
	}()

	cmd.Println("twofold serving on " + apiServer.Addr())
	logger.Info("server ready", "api_addr", apiServer.Addr())

	<-ctx.Done()
	logger.Info("shutting down...")

	stopServer(apiServer, "api")
	background.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		errutil.LogWarn(logger, "pending notifications abandoned", err)
	}
	stopServer(obsServer, "observability")

	logger.Info("shutdown complete")
	return nil
}

// buildService wires the pairing components from cfg.
func buildService(cfg *config.Config, backend *Backend, notifier pairing.Notifier, dispatcher pairing.Dispatcher, logger *slog.Logger) (*pairing.Service, *pairing.VerificationService, error) {
	hasher := pairing.NewArgon2idHasher()

	matcher, err := pairing.NewSecretMatcher(backend.Spaces, hasher,
		pairing.WithIndexKey([]byte(cfg.Secrets.SecretIndexKey)),
		pairing.WithMinPassphraseLength(cfg.Pairing.MinPassphraseLength),
		pairing.WithMatcherLogger(logger),
	)
	if err != nil {
		return nil, nil, oops.With("component", "matcher").Wrap(err)
	}
	registry, err := pairing.NewRegistry(backend.Spaces, logger)
	if err != nil {
		return nil, nil, oops.With("component", "registry").Wrap(err)
	}
	issuer, err := pairing.NewCredentialIssuer([]byte(cfg.Secrets.SessionSecret),
		pairing.WithTTLs(cfg.Pairing.SessionTTL, cfg.Pairing.PreAuthTTL),
	)
	if err != nil {
		return nil, nil, oops.With("component", "issuer").Wrap(err)
	}
	gate, err := pairing.NewPasswordGate(backend.Spaces, hasher, issuer, cfg.Pairing.MinPasswordLength)
	if err != nil {
		return nil, nil, oops.With("component", "password gate").Wrap(err)
	}
	verification, err := pairing.NewVerificationService(backend.Verification, notifier,
		pairing.WithThrottlePolicy(cfg.ThrottlePolicy()),
		pairing.WithCodeTTL(cfg.Pairing.CodeTTL),
		pairing.WithVerificationLogger(logger),
	)
	if err != nil {
		return nil, nil, oops.With("component", "verification").Wrap(err)
	}

	svc, err := pairing.NewService(pairing.Deps{
		Spaces:       backend.Spaces,
		Matcher:      matcher,
		Registry:     registry,
		Issuer:       issuer,
		Gate:         gate,
		Verification: verification,
		Notifier:     notifier,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, oops.With("component", "service").Wrap(err)
	}
	return svc, verification, nil
}

func applyMigrations(factory func(string) (AutoMigrator, error), databaseURL string, logger *slog.Logger) error {
	m, err := factory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			errutil.LogWarn(logger, "failed to close migrator", err)
		}
	}()
	if err := m.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "auto-migrate").Wrap(err)
	}
	logger.Info("schema migrations applied")
	return nil
}

// openPostgresBackend opens the pool and the PostgreSQL repositories on it.
func openPostgresBackend(ctx context.Context, databaseURL string, logger *slog.Logger) (*Backend, error) {
	opts := store.DefaultOptions()
	opts.Logger = logger
	pool, err := store.Open(ctx, databaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Spaces:       postgres.NewSpaceRepository(pool),
		Verification: postgres.NewVerificationRepository(pool),
		Ping:         pool.Ping,
		Close:        pool.Close,
	}, nil
}

// newNotifier builds the configured notification backend.
func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pairing.Notifier, func() error, error) {
	switch cfg.Notify.Backend {
	case config.NotifierLog:
		logger.Warn("log notifier selected, verification codes are written to the log")
		return notify.NewLogNotifier(logger), func() error { return nil }, nil
	case config.NotifierRedis:
		client, err := notify.NewRedisClient(ctx, cfg.Secrets.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		notifier, err := notify.NewRedisNotifier(client, cfg.Notify.OutboxKey)
		if err != nil {
			_ = client.Close() //nolint:errcheck // constructor error takes precedence
			return nil, nil, err
		}
		return notifier, client.Close, nil
	default:
		return nil, nil, oops.Code("CONFIG_INVALID").With("backend", cfg.Notify.Backend).Errorf("unknown notifier backend")
	}
}

// purger is the part of pairing.VerificationService the janitor uses.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// runJanitor deletes expired verification codes every interval until ctx is done.
// A non-positive interval disables it.
func runJanitor(ctx context.Context, interval time.Duration, p purger, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				errutil.LogWarn(logger, "failed to purge expired verification codes", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired verification codes", "count", n)
			}
		}
	}
}

type stoppable interface {
	Stop(ctx context.Context) error
}

func stopServer(s stoppable, name string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping server", "server", name, "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error.
// It also returns when errCh closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
