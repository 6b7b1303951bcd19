// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMinPasswordLength is the minimum password length in runes.
const DefaultMinPasswordLength = 6

// GateMode selects the Password Gate branch.
type GateMode string

// Gate modes.
const (
	ModeSetup  GateMode = "setup"
	ModeVerify GateMode = "verify"
)

// ParseGateMode validates a mode string.
func ParseGateMode(s string) (GateMode, error) {
	switch GateMode(s) {
	case ModeSetup, ModeVerify:
		return GateMode(s), nil
	default:
		return "", oops.Code(CodeInvalidMode).
			With("mode", s).
			Errorf("mode must be %q or %q", ModeSetup, ModeVerify)
	}
}

// SessionGrant is a freshly issued session credential.
type SessionGrant struct {
	Token     string
	Member    *Member
	ExpiresAt time.Time
}

// PasswordGate establishes or verifies a member's password behind a pre-auth credential.
//
// A member without a password accepts only ModeSetup; once set, only ModeVerify.
// There is no failed-attempt lockout.
type PasswordGate struct {
	spaces    SpaceRepository
	hasher    Hasher
	issuer    *CredentialIssuer
	minLength int
}

// NewPasswordGate creates a PasswordGate. minLength <= 0 selects DefaultMinPasswordLength.
func NewPasswordGate(spaces SpaceRepository, hasher Hasher, issuer *CredentialIssuer, minLength int) (*PasswordGate, error) {
	if spaces == nil {
		return nil, oops.Errorf("space repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("hasher is required")
	}
	if issuer == nil {
		return nil, oops.Errorf("credential issuer is required")
	}
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	return &PasswordGate{spaces: spaces, hasher: hasher, issuer: issuer, minLength: minLength}, nil
}

// EstablishOrVerify runs the gate for memberID and issues a session on success.
// The pre-auth credential must name memberID; a credential for one member never
// grants rights over another.
func (g *PasswordGate) EstablishOrVerify(ctx context.Context, preAuthToken string, memberID ulid.ULID, candidate string, mode GateMode) (grant *SessionGrant, err error) {
	ctx, span := tracer.Start(ctx, "pairing.password_gate",
		trace.WithAttributes(attribute.String("pairing.mode", string(mode))),
	)
	defer func() { endSpan(span, err) }()

	identity, err := g.issuer.VerifyPreAuth(ctx, preAuthToken)
	if err != nil {
		return nil, err
	}
	if identity.MemberID != memberID {
		return nil, preAuthMismatch()
	}

	member, err := g.spaces.GetMember(ctx, memberID)
	if errors.Is(err, ErrNotFound) {
		return nil, preAuthMismatch()
	}
	if err != nil {
		return nil, storeFailure(ctx, err, "get member")
	}
	if member.SpaceID != identity.SpaceID {
		return nil, preAuthMismatch()
	}

	if _, err := ParseGateMode(string(mode)); err != nil {
		return nil, err
	}

	if member.HasPassword() {
		err = g.verify(member, candidate, mode)
	} else {
		err = g.establish(ctx, member, candidate, mode)
	}
	if err != nil {
		return nil, err
	}

	token, err := g.issuer.IssueSession(ctx, member)
	if err != nil {
		return nil, err
	}
	return &SessionGrant{
		Token:     token,
		Member:    member,
		ExpiresAt: g.issuer.now().Add(g.issuer.SessionTTL()),
	}, nil
}

// establish handles the NoPassword state.
func (g *PasswordGate) establish(ctx context.Context, member *Member, candidate string, mode GateMode) error {
	if mode != ModeSetup {
		return oops.Code(CodeNoPassword).
			With("member_id", member.ID.String()).
			Errorf("no password configured")
	}
	if utf8.RuneCountInString(candidate) < g.minLength {
		return oops.Code(CodeInvalidPassword).
			With("min_length", g.minLength).
			Errorf("password must be at least %d characters", g.minLength)
	}

	hash, err := g.hasher.Hash(candidate)
	if err != nil {
		return oops.Code("PAIRING_HASH_FAILED").With("operation", "hash password").Wrap(err)
	}

	err = g.spaces.SetPasswordHash(ctx, member.ID, hash)
	if errors.Is(err, ErrPasswordSet) {
		return passwordAlreadySet(member)
	}
	if err != nil {
		return storeFailure(ctx, err, "set password hash")
	}
	member.PasswordHash = &hash
	return nil
}

// verify handles the HasPassword state. A mismatch changes nothing.
func (g *PasswordGate) verify(member *Member, candidate string, mode GateMode) error {
	if mode != ModeVerify {
		return passwordAlreadySet(member)
	}
	ok, err := g.hasher.Verify(candidate, *member.PasswordHash)
	if err != nil {
		return oops.Code("PAIRING_VERIFY_FAILED").
			With("member_id", member.ID.String()).
			Wrap(err)
	}
	if !ok {
		return oops.Code(CodePasswordMismatch).Errorf("password is incorrect")
	}
	return nil
}

func preAuthMismatch() error {
	return oops.Code(CodePreAuthMismatch).Errorf("credential does not match this member")
}

func passwordAlreadySet(member *Member) error {
	return oops.Code(CodePasswordAlreadySet).
		With("member_id", member.ID.String()).
		Errorf("password is already configured")
}
