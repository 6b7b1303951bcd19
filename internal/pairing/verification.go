// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/twofold/twofold/pkg/errutil"
)

// DefaultCodeTTL is how long a verification code stays redeemable.
const DefaultCodeTTL = 10 * time.Minute

// maxAddressLength is the longest address accepted, per RFC 5321.
const maxAddressLength = 254

var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeAddress trims and lowercases an email address and checks its shape.
func NormalizeAddress(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if len(address) > maxAddressLength || !addressPattern.MatchString(address) {
		return "", oops.Code(CodeInvalidAddress).Errorf("email address is not valid")
	}
	return address, nil
}

// VerificationCode is one issued code. Only the hash of the code is kept.
type VerificationCode struct {
	ID        ulid.ULID
	MemberID  ulid.ULID
	Address   string
	CodeHash  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the code can no longer be redeemed at now.
func (c *VerificationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// VerificationRepository persists verification codes and address bindings.
type VerificationRepository interface {
	// BoundMember returns the member a verified address is bound to, or ErrNotFound.
	BoundMember(ctx context.Context, address string) (ulid.ULID, error)

	// CreateCode stores an issued code.
	CreateCode(ctx context.Context, code *VerificationCode) error

	// IssuedSince returns the creation times of the member's codes created after since.
	IssuedSince(ctx context.Context, memberID ulid.ULID, since time.Time) ([]time.Time, error)

	// LatestCode returns the most recently created code for (memberID, address), or ErrNotFound.
	LatestCode(ctx context.Context, memberID ulid.ULID, address string) (*VerificationCode, error)

	// BindAddress marks address as the member's verified address and deletes all of the member's codes.
	// Returns ErrAddressTaken if another member holds the address.
	BindAddress(ctx context.Context, memberID ulid.ULID, address string) error

	// PurgeExpired deletes codes that expired before the given time.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// IssuedCode describes a delivered code without revealing it.
type IssuedCode struct {
	Address   string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// VerificationService issues and redeems codes binding an email address to a member.
type VerificationService struct {
	repo     VerificationRepository
	notifier Notifier
	policy   ThrottlePolicy
	codeTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// VerificationOption configures a VerificationService.
type VerificationOption func(*VerificationService)

// WithThrottlePolicy overrides DefaultThrottlePolicy.
func WithThrottlePolicy(policy ThrottlePolicy) VerificationOption {
	return func(s *VerificationService) { s.policy = policy }
}

// WithCodeTTL overrides DefaultCodeTTL.
func WithCodeTTL(ttl time.Duration) VerificationOption {
	return func(s *VerificationService) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithVerificationClock replaces time.Now.
func WithVerificationClock(now func() time.Time) VerificationOption {
	return func(s *VerificationService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithVerificationLogger sets the service logger.
func WithVerificationLogger(logger *slog.Logger) VerificationOption {
	return func(s *VerificationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(repo VerificationRepository, notifier Notifier, opts ...VerificationOption) (*VerificationService, error) {
	if repo == nil {
		return nil, oops.Errorf("verification repository is required")
	}
	if notifier == nil {
		return nil, oops.Errorf("notifier is required")
	}
	s := &VerificationService{
		repo:     repo,
		notifier: notifier,
		policy:   DefaultThrottlePolicy(),
		codeTTL:  DefaultCodeTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueCode generates, stores and delivers a code for binding address to memberID.
// Preconditions are checked in order: address shape, address ownership, cooldown, hourly limit.
func (s *VerificationService) IssueCode(ctx context.Context, memberID ulid.ULID, address string) (issued *IssuedCode, err error) {
	address, err = NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pairing.issue_code",
		trace.WithAttributes(attribute.String("member.id", memberID.String())),
	)
	defer func() { endSpan(span, err) }()

	if err := s.checkOwnership(ctx, memberID, address); err != nil {
		return nil, err
	}

	now := s.now()
	recent, err := s.repo.IssuedSince(ctx, memberID, now.Add(-s.policy.Horizon()))
	if err != nil {
		return nil, storeFailure(ctx, err, "list recent codes")
	}
	if result := s.policy.Check(recent, now); !result.Allowed() {
		span.SetAttributes(attribute.String("pairing.throttle", string(result.Reason)))
		if result.Reason == ThrottleCooldown {
			return nil, rateLimited(result.RetryAfter, "please wait before requesting another code")
		}
		return nil, rateLimited(result.RetryAfter, "too many codes requested, try again later")
	}

	code, err := randomDigits(CodeLength)
	if err != nil {
		return nil, err
	}
	record := &VerificationCode{
		ID:        ulid.Make(),
		MemberID:  memberID,
		Address:   address,
		CodeHash:  hashCode(code),
		CreatedAt: now,
		ExpiresAt: now.Add(s.codeTTL),
	}
	if err := s.repo.CreateCode(ctx, record); err != nil {
		return nil, storeFailure(ctx, err, "create verification code")
	}

	if err := s.notifier.SendVerificationCode(ctx, address, code, record.ExpiresAt); err != nil {
		errutil.LogWarn(s.logger, "verification code delivery failed",
			oops.With("member_id", memberID.String()).Wrap(err))
		return nil, oops.Code(CodeDeliveryFailed).
			With("member_id", memberID.String()).
			Errorf("verification code could not be delivered")
	}

	return &IssuedCode{Address: address, ExpiresAt: record.ExpiresAt, ExpiresIn: s.codeTTL}, nil
}

// RedeemCode binds address to memberID when code equals the most recent unexpired
// code issued for that pair. On success every outstanding code of the member is purged.
func (s *VerificationService) RedeemCode(ctx context.Context, memberID ulid.ULID, address, code string) (err error) {
	address, err = NormalizeAddress(address)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)

	ctx, span := tracer.Start(ctx, "pairing.redeem_code",
		trace.WithAttributes(attribute.String("member.id", memberID.String())),
	)
	defer func() { endSpan(span, err) }()

	latest, err := s.repo.LatestCode(ctx, memberID, address)
	if errors.Is(err, ErrNotFound) {
		return codeInvalid()
	}
	if err != nil {
		return storeFailure(ctx, err, "get latest code")
	}
	if latest.IsExpired(s.now()) || !codeMatches(code, latest.CodeHash) {
		return codeInvalid()
	}

	// The address may have been bound elsewhere since the code was issued.
	if err := s.checkOwnership(ctx, memberID, address); err != nil {
		return err
	}

	err = s.repo.BindAddress(ctx, memberID, address)
	if errors.Is(err, ErrAddressTaken) {
		return addressTaken()
	}
	if err != nil {
		return storeFailure(ctx, err, "bind address")
	}
	return nil
}

// PurgeExpired deletes codes that are expired and older than the throttle
// horizon, and returns how many were removed. Expired codes inside the
// horizon still count toward the rate limits.
func (s *VerificationService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.PurgeExpired(ctx, s.purgeCutoff())
	if err != nil {
		return 0, storeFailure(ctx, err, "purge expired codes")
	}
	return n, nil
}

// purgeCutoff returns the expiry before which a code is both unredeemable and
// outside the throttle horizon. A code expires codeTTL after creation.
func (s *VerificationService) purgeCutoff() time.Time {
	now := s.now()
	if keep := s.policy.Horizon() - s.codeTTL; keep > 0 {
		return now.Add(-keep)
	}
	return now
}

func (s *VerificationService) checkOwnership(ctx context.Context, memberID ulid.ULID, address string) error {
	owner, err := s.repo.BoundMember(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeFailure(ctx, err, "get bound member")
	}
	if owner != memberID {
		return addressTaken()
	}
	return nil
}

func codeInvalid() error {
	return oops.Code(CodeCodeInvalid).Errorf("verification code is invalid or expired")
}

func addressTaken() error {
	return oops.Code(CodeAddressTaken).Errorf("email address is already in use")
}
