// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/twofold/twofold/internal/pairing"
)

// VerificationRepository implements pairing.VerificationRepository using PostgreSQL.
type VerificationRepository struct {
	pool poolIface
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(pool poolIface) *VerificationRepository {
	return &VerificationRepository{pool: pool}
}

// BoundMember returns the member whose verified address is address.
func (r *VerificationRepository) BoundMember(ctx context.Context, address string) (ulid.ULID, error) {
	var idStr string
	err := r.pool.QueryRow(ctx, `
		SELECT id FROM members
		WHERE lower(email) = lower($1) AND email_verified
	`, address).Scan(&idStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ulid.ULID{}, oops.Code("MEMBER_NOT_FOUND").Wrap(pairing.ErrNotFound)
	}
	if err != nil {
		return ulid.ULID{}, oops.Code("VERIFICATION_LOOKUP_FAILED").
			With("operation", "select bound member").
			Wrap(err)
	}
	return parseID(idStr)
}

// CreateCode stores an issued code.
func (r *VerificationRepository) CreateCode(ctx context.Context, code *pairing.VerificationCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_codes (id, member_id, address, code_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		code.ID.String(),
		code.MemberID.String(),
		code.Address,
		code.CodeHash,
		code.CreatedAt,
		code.ExpiresAt,
	)
	if err != nil {
		return oops.Code("VERIFICATION_CREATE_FAILED").
			With("operation", "insert verification code").
			With("member_id", code.MemberID.String()).
			Wrap(err)
	}
	return nil
}

// IssuedSince returns the creation times of the member's codes created after since.
func (r *VerificationRepository) IssuedSince(ctx context.Context, memberID ulid.ULID, since time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT created_at FROM verification_codes
		WHERE member_id = $1 AND created_at > $2
		ORDER BY created_at DESC
	`, memberID.String(), since)
	if err != nil {
		return nil, oops.Code("VERIFICATION_LOOKUP_FAILED").
			With("operation", "select recent codes").
			With("member_id", memberID.String()).
			Wrap(err)
	}
	times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, oops.Code("VERIFICATION_LOOKUP_FAILED").
			With("operation", "scan recent codes").
			Wrap(err)
	}
	return times, nil
}

// LatestCode returns the newest code issued for (memberID, address).
func (r *VerificationRepository) LatestCode(ctx context.Context, memberID ulid.ULID, address string) (*pairing.VerificationCode, error) {
	var (
		idStr, memberStr, addr, hash string
		createdAt, expiresAt         time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, member_id, address, code_hash, created_at, expires_at
		FROM verification_codes
		WHERE member_id = $1 AND address = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, memberID.String(), address).Scan(&idStr, &memberStr, &addr, &hash, &createdAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").
			With("member_id", memberID.String()).
			Wrap(pairing.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("VERIFICATION_LOOKUP_FAILED").
			With("operation", "select latest code").
			With("member_id", memberID.String()).
			Wrap(err)
	}

	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	owner, err := parseID(memberStr)
	if err != nil {
		return nil, err
	}
	return &pairing.VerificationCode{
		ID:        id,
		MemberID:  owner,
		Address:   addr,
		CodeHash:  hash,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// BindAddress binds address to memberID and purges all of the member's codes in one transaction.
// The partial unique index on verified addresses settles races between members.
func (r *VerificationRepository) BindAddress(ctx context.Context, memberID ulid.ULID, address string) error {
	err := withTx(ctx, r.pool, func(tx dbtx) error {
		var taken bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM members
				WHERE lower(email) = lower($1) AND email_verified AND id <> $2
			)
		`, address, memberID.String()).Scan(&taken); err != nil {
			return err
		}
		if taken {
			return pairing.ErrAddressTaken
		}

		tag, err := tx.Exec(ctx, `
			UPDATE members SET email = $2, email_verified = true, updated_at = $3
			WHERE id = $1
		`, memberID.String(), address, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pairing.ErrNotFound
		}

		_, err = tx.Exec(ctx, `DELETE FROM verification_codes WHERE member_id = $1`, memberID.String())
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pairing.ErrAddressTaken), uniqueViolation(err) == constraintVerifiedEmail:
		return oops.Code("VERIFICATION_ADDRESS_TAKEN").
			With("member_id", memberID.String()).
			Wrap(pairing.ErrAddressTaken)
	case errors.Is(err, pairing.ErrNotFound):
		return oops.Code("MEMBER_NOT_FOUND").With("member_id", memberID.String()).Wrap(err)
	default:
		return oops.Code("VERIFICATION_BIND_FAILED").
			With("operation", "bind address").
			With("member_id", memberID.String()).
			Wrap(err)
	}
}

// PurgeExpired deletes codes that expired before the given time.
func (r *VerificationRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, oops.Code("VERIFICATION_PURGE_FAILED").
			With("operation", "delete expired codes").
			Wrap(err)
	}
	return tag.RowsAffected(), nil
}
