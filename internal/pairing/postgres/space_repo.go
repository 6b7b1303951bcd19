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

const memberColumns = `id, space_id, handle, avatar, COALESCE(password_hash, ''), COALESCE(email, ''),
       email_verified, created_at, updated_at`

// SpaceRepository implements pairing.SpaceRepository using PostgreSQL.
type SpaceRepository struct {
	pool poolIface
}

// NewSpaceRepository creates a new SpaceRepository.
func NewSpaceRepository(pool poolIface) *SpaceRepository {
	return &SpaceRepository{pool: pool}
}

// Create stores a space and its first member in one transaction.
func (r *SpaceRepository) Create(ctx context.Context, space *pairing.Space, first *pairing.Member) error {
	err := withTx(ctx, r.pool, func(tx dbtx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO spaces (id, secret_digest, secret_index, invite_code, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`,
			space.ID.String(),
			space.SecretDigest,
			space.SecretIndex,
			space.InviteCode,
			space.CreatedAt,
		); err != nil {
			return err
		}
		return insertMember(ctx, tx, first)
	})
	switch uniqueViolation(err) {
	case "":
	case constraintInviteCode:
		return oops.Code("SPACE_INVITE_CODE_TAKEN").Wrap(pairing.ErrInviteCodeTaken)
	case constraintSecretIndex:
		return oops.Code("SPACE_SECRET_EXISTS").Wrap(pairing.ErrSpaceExists)
	}
	if err != nil {
		return oops.Code("SPACE_CREATE_FAILED").
			With("operation", "insert space").
			With("space_id", space.ID.String()).
			Wrap(err)
	}
	return nil
}

// Get returns a space with its members.
func (r *SpaceRepository) Get(ctx context.Context, id ulid.ULID) (*pairing.Space, error) {
	return r.getWhere(ctx, `id = $1`, id.String())
}

// GetByInviteCode returns the space holding code, with its members.
func (r *SpaceRepository) GetByInviteCode(ctx context.Context, code string) (*pairing.Space, error) {
	return r.getWhere(ctx, `invite_code = $1`, code)
}

func (r *SpaceRepository) getWhere(ctx context.Context, where string, arg string) (*pairing.Space, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, secret_digest, COALESCE(secret_index, ''), COALESCE(invite_code, ''), created_at
		FROM spaces
		WHERE `+where, arg)

	var (
		idStr, digest, index, invite string
		createdAt                    time.Time
	)
	err := row.Scan(&idStr, &digest, &index, &invite, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SPACE_NOT_FOUND").With("lookup", arg).Wrap(pairing.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SPACE_GET_FAILED").With("operation", "select space").Wrap(err)
	}
	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}

	members, err := listMembers(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	return &pairing.Space{
		ID:           id,
		SecretDigest: digest,
		SecretIndex:  nullable(index),
		InviteCode:   nullable(invite),
		Members:      members,
		CreatedAt:    createdAt,
	}, nil
}

// ListUnindexed returns every space without a secret index, oldest first.
func (r *SpaceRepository) ListUnindexed(ctx context.Context) ([]*pairing.Space, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, secret_digest, created_at
		FROM spaces
		WHERE secret_index IS NULL
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, oops.Code("SPACE_LIST_FAILED").With("operation", "list unindexed spaces").Wrap(err)
	}
	return scanSecrets(rows, nil)
}

// ListByIndex returns the spaces carrying index.
func (r *SpaceRepository) ListByIndex(ctx context.Context, index string) ([]*pairing.Space, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, secret_digest, created_at
		FROM spaces
		WHERE secret_index = $1
		ORDER BY created_at, id
	`, index)
	if err != nil {
		return nil, oops.Code("SPACE_LIST_FAILED").With("operation", "list spaces by index").Wrap(err)
	}
	return scanSecrets(rows, &index)
}

func scanSecrets(rows pgx.Rows, index *string) ([]*pairing.Space, error) {
	defer rows.Close()

	var spaces []*pairing.Space
	for rows.Next() {
		var (
			idStr, digest string
			createdAt     time.Time
		)
		if err := rows.Scan(&idStr, &digest, &createdAt); err != nil {
			return nil, oops.Code("SPACE_LIST_FAILED").With("operation", "scan space").Wrap(err)
		}
		id, err := parseID(idStr)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, &pairing.Space{
			ID:           id,
			SecretDigest: digest,
			SecretIndex:  index,
			CreatedAt:    createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SPACE_LIST_FAILED").With("operation", "iterate spaces").Wrap(err)
	}
	return spaces, nil
}

// SetSecretIndex back-fills the index of a space that has none.
func (r *SpaceRepository) SetSecretIndex(ctx context.Context, id ulid.ULID, index string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE spaces SET secret_index = $2
		WHERE id = $1 AND secret_index IS NULL
	`, id.String(), index)
	if uniqueViolation(err) == constraintSecretIndex {
		return oops.Code("SPACE_SECRET_EXISTS").With("space_id", id.String()).Wrap(pairing.ErrSpaceExists)
	}
	if err != nil {
		return oops.Code("SPACE_UPDATE_FAILED").
			With("operation", "set secret index").
			With("space_id", id.String()).
			Wrap(err)
	}
	return nil
}

// SetInviteCode stores code while the space has fewer than pairing.MaxMembers members.
func (r *SpaceRepository) SetInviteCode(ctx context.Context, id ulid.ULID, code string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE spaces SET invite_code = $2
		WHERE id = $1
		  AND (SELECT count(*) FROM members WHERE space_id = $1) < $3
	`, id.String(), code, pairing.MaxMembers)
	if uniqueViolation(err) == constraintInviteCode {
		return oops.Code("SPACE_INVITE_CODE_TAKEN").Wrap(pairing.ErrInviteCodeTaken)
	}
	if err != nil {
		return oops.Code("SPACE_UPDATE_FAILED").
			With("operation", "set invite code").
			With("space_id", id.String()).
			Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM spaces WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return oops.Code("SPACE_UPDATE_FAILED").With("operation", "check space exists").Wrap(err)
	}
	if !exists {
		return oops.Code("SPACE_NOT_FOUND").With("space_id", id.String()).Wrap(pairing.ErrNotFound)
	}
	return oops.Code("SPACE_FULL").With("space_id", id.String()).Wrap(pairing.ErrSpaceFull)
}

// Admit locks the space row, re-reads its members and inserts candidate if there is room.
// Concurrent admissions to the same space serialize on the row lock.
func (r *SpaceRepository) Admit(ctx context.Context, spaceID ulid.ULID, candidate *pairing.Member) (*pairing.Member, bool, error) {
	var (
		result   *pairing.Member
		admitted bool
	)
	err := withTx(ctx, r.pool, func(tx dbtx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM spaces WHERE id = $1 FOR UPDATE`, spaceID.String()).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return pairing.ErrNotFound
		}
		if err != nil {
			return err
		}

		members, err := listMembers(ctx, tx, spaceID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Handle == candidate.Handle {
				result = m
				return nil
			}
		}
		if len(members) >= pairing.MaxMembers {
			return pairing.ErrSpaceFull
		}

		if err := insertMember(ctx, tx, candidate); err != nil {
			return err
		}
		result, admitted = candidate, true
		return nil
	})
	switch {
	case err == nil:
		return result, admitted, nil
	case errors.Is(err, pairing.ErrNotFound):
		return nil, false, oops.Code("SPACE_NOT_FOUND").With("space_id", spaceID.String()).Wrap(err)
	case errors.Is(err, pairing.ErrSpaceFull):
		return nil, false, oops.Code("SPACE_FULL").With("space_id", spaceID.String()).Wrap(err)
	default:
		return nil, false, oops.Code("SPACE_ADMIT_FAILED").
			With("operation", "admit member").
			With("space_id", spaceID.String()).
			With("constraint", uniqueViolation(err)).
			Wrap(err)
	}
}

// GetMember returns a member by ID.
func (r *SpaceRepository) GetMember(ctx context.Context, id ulid.ULID) (*pairing.Member, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id.String())
	member, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("MEMBER_NOT_FOUND").With("member_id", id.String()).Wrap(pairing.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("MEMBER_GET_FAILED").
			With("operation", "select member").
			With("member_id", id.String()).
			Wrap(err)
	}
	return member, nil
}

// SetPasswordHash stores hash only if the member has no password yet.
func (r *SpaceRepository) SetPasswordHash(ctx context.Context, memberID ulid.ULID, hash string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE members SET password_hash = $2, updated_at = $3
		WHERE id = $1 AND password_hash IS NULL
	`, memberID.String(), hash, time.Now().UTC())
	if err != nil {
		return oops.Code("MEMBER_UPDATE_FAILED").
			With("operation", "set password hash").
			With("member_id", memberID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, memberID.String()).Scan(&exists); err != nil {
		return oops.Code("MEMBER_UPDATE_FAILED").With("operation", "check member exists").Wrap(err)
	}
	if !exists {
		return oops.Code("MEMBER_NOT_FOUND").With("member_id", memberID.String()).Wrap(pairing.ErrNotFound)
	}
	return oops.Code("MEMBER_PASSWORD_SET").With("member_id", memberID.String()).Wrap(pairing.ErrPasswordSet)
}

func insertMember(ctx context.Context, tx dbtx, m *pairing.Member) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO members (
			id, space_id, handle, avatar, password_hash, email, email_verified, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		m.ID.String(),
		m.SpaceID.String(),
		m.Handle,
		m.Avatar,
		m.PasswordHash,
		m.Email,
		m.EmailVerified,
		m.CreatedAt,
		m.UpdatedAt,
	)
	return err
}

func listMembers(ctx context.Context, q dbtx, spaceID ulid.ULID) ([]*pairing.Member, error) {
	rows, err := q.Query(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE space_id = $1
		ORDER BY created_at, id
	`, spaceID.String())
	if err != nil {
		return nil, oops.Code("MEMBER_LIST_FAILED").With("space_id", spaceID.String()).Wrap(err)
	}
	defer rows.Close()

	var members []*pairing.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, oops.Code("MEMBER_LIST_FAILED").With("operation", "scan member").Wrap(err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("MEMBER_LIST_FAILED").With("operation", "iterate members").Wrap(err)
	}
	return members, nil
}

func scanMember(row scanner) (*pairing.Member, error) {
	var (
		idStr, spaceStr, handle, avatar, passwordHash, email string
		verified                                             bool
		createdAt, updatedAt                                 time.Time
	)
	if err := row.Scan(&idStr, &spaceStr, &handle, &avatar, &passwordHash, &email, &verified, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	spaceID, err := parseID(spaceStr)
	if err != nil {
		return nil, err
	}
	return &pairing.Member{
		ID:            id,
		SpaceID:       spaceID,
		Handle:        handle,
		Avatar:        avatar,
		PasswordHash:  nullable(passwordHash),
		Email:         nullable(email),
		EmailVerified: verified,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}
