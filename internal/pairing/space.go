// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MaxMembers is the capacity of every space.
const MaxMembers = 2

// Handle validation constraints, in runes.
const (
	MinHandleLength = 1
	MaxHandleLength = 32
)

// avatarMarkers are the decorative markers assigned to new members.
var avatarMarkers = []string{"🌻", "🌙", "⭐", "🌊", "🍀", "🦊", "🐳", "🌸", "🍒", "🔥"}

// Space is the private container shared by at most two members.
type Space struct {
	ID           ulid.ULID
	SecretDigest string
	SecretIndex  *string
	InviteCode   *string
	Members      []*Member
	CreatedAt    time.Time
}

// IsFull reports whether the space has reached MaxMembers.
func (s *Space) IsFull() bool {
	return len(s.Members) >= MaxMembers
}

// MemberByHandle returns the member with exactly handle, or nil.
// Matching is case-sensitive and scoped to this space.
func (s *Space) MemberByHandle(handle string) *Member {
	for _, m := range s.Members {
		if m.Handle == handle {
			return m
		}
	}
	return nil
}

// Partner returns the other member of the space, or nil.
func (s *Space) Partner(memberID ulid.ULID) *Member {
	for _, m := range s.Members {
		if m.ID != memberID {
			return m
		}
	}
	return nil
}

// Member is one participant of a space.
type Member struct {
	ID            ulid.ULID
	SpaceID       ulid.ULID
	Handle        string
	Avatar        string
	PasswordHash  *string
	Email         *string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword reports whether the member has configured a password.
func (m *Member) HasPassword() bool {
	return m.PasswordHash != nil && *m.PasswordHash != ""
}

// VerifiedEmail returns the member's bound address, or "" when none is verified.
func (m *Member) VerifiedEmail() string {
	if m.Email == nil || !m.EmailVerified {
		return ""
	}
	return *m.Email
}

// NewSpace creates an empty space for the given digest.
func NewSpace(digest string, index *string) (*Space, error) {
	if digest == "" {
		return nil, oops.Code("PAIRING_INVALID_DIGEST").Errorf("secret digest cannot be empty")
	}
	return &Space{
		ID:           ulid.Make(),
		SecretDigest: digest,
		SecretIndex:  index,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// NewMember creates a member of spaceID with a random avatar marker.
// The handle must already be normalized by NormalizeHandle.
func NewMember(spaceID ulid.ULID, handle string) (*Member, error) {
	avatar, err := randomAvatar()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Member{
		ID:        ulid.Make(),
		SpaceID:   spaceID,
		Handle:    handle,
		Avatar:    avatar,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NormalizeHandle trims handle and validates its length.
func NormalizeHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	n := utf8.RuneCountInString(handle)
	if n < MinHandleLength || n > MaxHandleLength {
		return "", oops.Code(CodeInvalidHandle).
			With("length", n).
			Errorf("handle must be %d to %d characters", MinHandleLength, MaxHandleLength)
	}
	return handle, nil
}

func randomAvatar() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(avatarMarkers))))
	if err != nil {
		return "", oops.Code("PAIRING_RANDOM_FAILED").With("operation", "pick avatar").Wrap(err)
	}
	return avatarMarkers[n.Int64()], nil
}

// SpaceRepository persists spaces and their members.
type SpaceRepository interface {
	// Create stores a new space together with its first member.
	// Returns ErrInviteCodeTaken if the space's invite code is already used and
	// ErrSpaceExists if another space already holds the same secret index.
	Create(ctx context.Context, space *Space, first *Member) error

	// Get returns the space with its members.
	Get(ctx context.Context, id ulid.ULID) (*Space, error)

	// GetByInviteCode returns the space holding code, with its members.
	GetByInviteCode(ctx context.Context, code string) (*Space, error)

	// ListUnindexed returns every space without a secret index. Members are not loaded.
	ListUnindexed(ctx context.Context) ([]*Space, error)

	// ListByIndex returns the spaces whose secret index equals index. Members are not loaded.
	ListByIndex(ctx context.Context, index string) ([]*Space, error)

	// SetSecretIndex back-fills the secret index of a space that has none.
	SetSecretIndex(ctx context.Context, id ulid.ULID, index string) error

	// SetInviteCode stores code on a space that still has room.
	// Returns ErrSpaceFull once the space has MaxMembers, ErrInviteCodeTaken on collision.
	SetInviteCode(ctx context.Context, id ulid.ULID, code string) error

	// Admit atomically adds candidate to the space unless a member already has its handle.
	// On a handle match the existing member is returned with admitted=false.
	// Returns ErrSpaceFull when the space already has MaxMembers.
	Admit(ctx context.Context, spaceID ulid.ULID, candidate *Member) (member *Member, admitted bool, err error)

	// GetMember returns a member by ID.
	GetMember(ctx context.Context, id ulid.ULID) (*Member, error)

	// SetPasswordHash stores hash for a member that has no password yet.
	// Returns ErrPasswordSet when one is already stored.
	SetPasswordHash(ctx context.Context, memberID ulid.ULID, hash string) error
}
