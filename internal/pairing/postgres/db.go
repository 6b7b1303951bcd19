// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package postgres implements the pairing repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Constraint names declared in the schema migrations.
const (
	constraintInviteCode    = "spaces_invite_code_key"
	constraintSecretIndex   = "spaces_secret_index_key"
	constraintVerifiedEmail = "members_verified_email_key"
)

// dbtx is the query surface shared by a pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// poolIface is satisfied by *pgxpool.Pool and by pgxmock pools.
type poolIface interface {
	dbtx
	Begin(ctx context.Context) (pgx.Tx, error)
}

// withTx runs fn in a transaction, committing on success and rolling back on error or panic.
func withTx(ctx context.Context, pool poolIface, fn func(tx dbtx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return oops.With("operation", "begin transaction").Wrap(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // re-panicking
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // original error takes precedence
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = oops.With("operation", "commit transaction").Wrap(commitErr)
		}
	}()

	return fn(tx)
}

// uniqueViolation returns the violated constraint name, or "" if err is not a unique violation.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

type scanner interface {
	Scan(dest ...any) error
}

func parseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, oops.Code("PAIRING_STORE_CORRUPT").With("id", s).Wrap(err)
	}
	return id, nil
}

// nullable converts "" to nil, undoing COALESCE(col, '') in queries.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
