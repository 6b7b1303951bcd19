// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/twofold/twofold/internal/config"
	"github.com/twofold/twofold/internal/store"
)

// SchemaMigrator is the part of store.Migrator the migrate commands use.
type SchemaMigrator interface {
	Up() error
	Down() error
	Force(version int) error
	Status() (*store.Status, error)
	Close() error
}

// migratorFactory opens a SchemaMigrator. Tests replace it.
var migratorFactory = func(databaseURL string) (SchemaMigrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand. Without a subcommand it applies pending migrations.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply, revert or inspect the PostgreSQL schema migrations embedded in the binary.`,
		Args:  cobra.NoArgs,
		RunE:  withMigrator(runMigrateUp),
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  withMigrator(runMigrateUp),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert every migration (drops all data)",
			Args:  cobra.NoArgs,
			RunE:  withMigrator(runMigrateDown),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE:  withMigrator(runMigrateStatus),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Record VERSION as applied to clear a dirty state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := parseForceVersion(args[0])
				if err != nil {
					return err
				}
				return withMigrator(func(cmd *cobra.Command, m SchemaMigrator) error {
					if err := m.Force(target); err != nil {
						return err
					}
					cmd.Printf("Forced schema version to %d\n", target)
					return nil
				})(cmd, args)
			},
		},
	)
	return cmd
}

// withMigrator opens a migrator for DATABASE_URL around fn and closes it afterwards.
func withMigrator(fn func(cmd *cobra.Command, m SchemaMigrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		databaseURL, err := getDatabaseURL()
		if err != nil {
			return err
		}
		m, err := migratorFactory(databaseURL)
		if err != nil {
			return oops.Code("MIGRATION_INIT_FAILED").With("operation", "open migrator").Wrap(err)
		}
		defer func() {
			if closeErr := m.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, m)
	}
}

func runMigrateUp(cmd *cobra.Command, m SchemaMigrator) error {
	cmd.Println("Running migrations...")
	if err := m.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, m SchemaMigrator) error {
	cmd.Println("Reverting migrations...")
	if err := m.Down(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "revert migrations").Wrap(err)
	}
	cmd.Println("All migrations reverted")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, m SchemaMigrator) error {
	status, err := m.Status()
	if err != nil {
		return err
	}
	dirty := ""
	if status.Dirty {
		dirty = " (dirty)"
	}
	cmd.Printf("Current version: %d%s\n", status.Version, dirty)
	printVersions(cmd, "Applied", status.Applied)
	printVersions(cmd, "Pending", status.Pending)
	return nil
}

func printVersions(cmd *cobra.Command, label string, migrations []store.Migration) {
	if len(migrations) == 0 {
		cmd.Printf("%s: none\n", label)
		return
	}
	cmd.Printf("%s:\n", label)
	for _, mig := range migrations {
		cmd.Printf("  %s\n", mig)
	}
}

// parseForceVersion parses the leading integer of s.
func parseForceVersion(s string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &version); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be an integer")
	}
	return version, nil
}

// getDatabaseURL returns DATABASE_URL or a CONFIG_INVALID error when it is unset.
func getDatabaseURL() (string, error) {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return "", err
	}
	if secrets.DatabaseURL == "" {
		return "", oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}
	return secrets.DatabaseURL, nil
}
