// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Credential lifetimes.
const (
	DefaultSessionTTL = 30 * 24 * time.Hour
	DefaultPreAuthTTL = 5 * time.Minute
)

// MinSigningSecretLength is the minimum HMAC key size in bytes.
const MinSigningSecretLength = 32

// credentialIssuer is the iss claim of every token.
const credentialIssuer = "twofold"

// Purpose tags a credential with the only entry point that accepts it.
type Purpose string

// Credential purposes.
const (
	PurposeSession Purpose = "session"
	PurposePreAuth Purpose = "pre_auth"
)

// Claims is the signed payload shared by both credential variants.
type Claims struct {
	Purpose  Purpose `json:"purpose"`
	MemberID string  `json:"member_id"`
	Handle   string  `json:"handle,omitempty"`
	SpaceID  string  `json:"space_id"`
	jwt.RegisteredClaims
}

// SessionIdentity is what a session credential asserts.
type SessionIdentity struct {
	MemberID  ulid.ULID
	Handle    string
	SpaceID   ulid.ULID
	ExpiresAt time.Time
}

// PreAuthIdentity is what a pre-auth credential asserts.
type PreAuthIdentity struct {
	MemberID  ulid.ULID
	SpaceID   ulid.ULID
	ExpiresAt time.Time
}

// CredentialIssuer mints and verifies session and pre-auth tokens.
// Both share one HMAC key and are told apart by the mandatory purpose claim.
type CredentialIssuer struct {
	secret     []byte
	sessionTTL time.Duration
	preAuthTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures a CredentialIssuer.
type IssuerOption func(*CredentialIssuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) IssuerOption {
	return func(c *CredentialIssuer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTTLs overrides the session and pre-auth lifetimes. Zero keeps the default.
func WithTTLs(session, preAuth time.Duration) IssuerOption {
	return func(c *CredentialIssuer) {
		if session > 0 {
			c.sessionTTL = session
		}
		if preAuth > 0 {
			c.preAuthTTL = preAuth
		}
	}
}

// NewCredentialIssuer creates an issuer signing with secret.
func NewCredentialIssuer(secret []byte, opts ...IssuerOption) (*CredentialIssuer, error) {
	if len(secret) < MinSigningSecretLength {
		return nil, oops.Code("PAIRING_WEAK_SECRET").
			With("min_length", MinSigningSecretLength).
			Errorf("signing secret must be at least %d bytes", MinSigningSecretLength)
	}
	c := &CredentialIssuer{
		secret:     append([]byte(nil), secret...),
		sessionTTL: DefaultSessionTTL,
		preAuthTTL: DefaultPreAuthTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SessionTTL returns the lifetime of session credentials.
func (c *CredentialIssuer) SessionTTL() time.Duration {
	return c.sessionTTL
}

// IssueSession mints a session credential for member.
func (c *CredentialIssuer) IssueSession(ctx context.Context, member *Member) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failClosed(err)
	}
	return c.sign(Claims{
		Purpose:  PurposeSession,
		MemberID: member.ID.String(),
		Handle:   member.Handle,
		SpaceID:  member.SpaceID.String(),
	}, c.sessionTTL)
}

// IssuePreAuth mints a short-lived pre-auth credential for member.
func (c *CredentialIssuer) IssuePreAuth(ctx context.Context, member *Member) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failClosed(err)
	}
	return c.sign(Claims{
		Purpose:  PurposePreAuth,
		MemberID: member.ID.String(),
		SpaceID:  member.SpaceID.String(),
	}, c.preAuthTTL)
}

// VerifySession checks a session credential. Every failure is CodeCredentialInvalid.
func (c *CredentialIssuer) VerifySession(ctx context.Context, token string) (*SessionIdentity, error) {
	claims, err := c.parse(ctx, token, PurposeSession)
	if err != nil {
		return nil, err
	}
	return &SessionIdentity{
		MemberID:  claims.memberID,
		Handle:    claims.Handle,
		SpaceID:   claims.spaceID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyPreAuth checks a pre-auth credential. Every failure is CodeCredentialInvalid.
func (c *CredentialIssuer) VerifyPreAuth(ctx context.Context, token string) (*PreAuthIdentity, error) {
	claims, err := c.parse(ctx, token, PurposePreAuth)
	if err != nil {
		return nil, err
	}
	return &PreAuthIdentity{
		MemberID:  claims.memberID,
		SpaceID:   claims.spaceID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (c *CredentialIssuer) sign(claims Claims, ttl time.Duration) (string, error) {
	now := c.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    credentialIssuer,
		Subject:   claims.MemberID,
		ID:        ulid.Make().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", oops.Code("PAIRING_SIGN_FAILED").
			With("purpose", string(claims.Purpose)).
			Wrap(err)
	}
	return signed, nil
}

type parsedClaims struct {
	*Claims
	memberID ulid.ULID
	spaceID  ulid.ULID
}

func (c *CredentialIssuer) parse(ctx context.Context, token string, want Purpose) (*parsedClaims, error) {
	if ctx.Err() != nil || token == "" {
		return nil, credentialInvalid()
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(credentialIssuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return nil, credentialInvalid()
	}
	if claims.Purpose != want {
		return nil, credentialInvalid()
	}

	memberID, err := ulid.Parse(claims.MemberID)
	if err != nil {
		return nil, credentialInvalid()
	}
	spaceID, err := ulid.Parse(claims.SpaceID)
	if err != nil {
		return nil, credentialInvalid()
	}
	if want == PurposeSession && claims.Handle == "" {
		return nil, credentialInvalid()
	}
	return &parsedClaims{Claims: claims, memberID: memberID, spaceID: spaceID}, nil
}

// credentialInvalid is the single outcome for every rejected token.
func credentialInvalid() error {
	return oops.Code(CodeCredentialInvalid).Errorf("credential is invalid or expired")
}
