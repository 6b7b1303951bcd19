// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
)

// LoginResult is the outcome of a successful passphrase or invite login.
// Exactly one of PreAuthToken and SessionToken is set.
type LoginResult struct {
	Space            *Space
	Member           *Member
	IsNewSpace       bool
	PartnerJoined    bool
	RequiresPassword bool
	PreAuthToken     string
	SessionToken     string
	SessionExpiresAt time.Time
}

// SessionView is a verified session with its member and space loaded.
type SessionView struct {
	Identity *SessionIdentity
	Member   *Member
	Space    *Space
}

// Deps are the collaborators of a Service.
type Deps struct {
	Spaces       SpaceRepository
	Matcher      *SecretMatcher
	Registry     *Registry
	Issuer       *CredentialIssuer
	Gate         *PasswordGate
	Verification *VerificationService
	Notifier     Notifier
	Dispatcher   Dispatcher
	Logger       *slog.Logger
}

// Service runs the login flow on top of the pairing components.
type Service struct {
	spaces       SpaceRepository
	matcher      *SecretMatcher
	registry     *Registry
	issuer       *CredentialIssuer
	gate         *PasswordGate
	verification *VerificationService
	notifier     Notifier
	dispatcher   Dispatcher
	logger       *slog.Logger
}

// NewService creates a Service. Every dependency except Logger is required.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Spaces == nil:
		return nil, oops.Errorf("space repository is required")
	case deps.Matcher == nil:
		return nil, oops.Errorf("secret matcher is required")
	case deps.Registry == nil:
		return nil, oops.Errorf("registry is required")
	case deps.Issuer == nil:
		return nil, oops.Errorf("credential issuer is required")
	case deps.Gate == nil:
		return nil, oops.Errorf("password gate is required")
	case deps.Verification == nil:
		return nil, oops.Errorf("verification service is required")
	case deps.Notifier == nil:
		return nil, oops.Errorf("notifier is required")
	case deps.Dispatcher == nil:
		return nil, oops.Errorf("dispatcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		spaces:       deps.Spaces,
		matcher:      deps.Matcher,
		registry:     deps.Registry,
		issuer:       deps.Issuer,
		gate:         deps.Gate,
		verification: deps.Verification,
		notifier:     deps.Notifier,
		dispatcher:   deps.Dispatcher,
		logger:       logger,
	}, nil
}

// SessionTTL returns the lifetime of issued session credentials.
func (s *Service) SessionTTL() time.Duration {
	return s.issuer.SessionTTL()
}

// Login resolves passphrase to a space, creating one if none matches, and admits handle.
// A member with a password receives a pre-auth credential; everyone else a session.
func (s *Service) Login(ctx context.Context, passphrase, handle string) (result *LoginResult, err error) {
	handle, err = NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if _, err := s.matcher.ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pairing.login")
	defer func() { endSpan(span, err) }()

	result, err = s.login(ctx, passphrase, handle)
	if errors.Is(err, ErrSpaceExists) {
		// Another first login for the same passphrase won the race; join its space instead.
		result, err = s.login(ctx, passphrase, handle)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("pairing.new_space", result.IsNewSpace),
		attribute.Bool("pairing.partner_joined", result.PartnerJoined),
		attribute.Bool("pairing.requires_password", result.RequiresPassword),
	)
	return result, nil
}

func (s *Service) login(ctx context.Context, passphrase, handle string) (*LoginResult, error) {
	space, err := s.matcher.ResolveSpace(ctx, passphrase)
	if errors.Is(err, ErrNotFound) {
		digest, index, err := s.matcher.Digest(passphrase)
		if err != nil {
			return nil, err
		}
		space, member, err := s.registry.CreateSpace(ctx, digest, index, handle)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "space created",
			"space_id", space.ID.String(), "member_id", member.ID.String())
		return s.complete(ctx, &LoginResult{Space: space, Member: member, IsNewSpace: true})
	}
	if err != nil {
		return nil, err
	}

	member, admitted, err := s.registry.AdmitMember(ctx, space, handle)
	if err != nil {
		return nil, err
	}
	if admitted {
		s.logger.InfoContext(ctx, "partner joined space",
			"space_id", space.ID.String(), "member_id", member.ID.String())
		s.notifyPartner(space, member)
	}
	return s.complete(ctx, &LoginResult{Space: space, Member: member, PartnerJoined: admitted})
}

// JoinByInvite admits handle to the space holding an invite code.
// Only a space with exactly one member accepts invites, and the handle must be new to it.
func (s *Service) JoinByInvite(ctx context.Context, code, handle string) (result *LoginResult, err error) {
	handle, err = NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pairing.join_by_invite")
	defer func() { endSpan(span, err) }()

	space, err := s.registry.FindByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if space.MemberByHandle(handle) != nil {
		return nil, inviteInvalid()
	}

	member, admitted, err := s.registry.AdmitMember(ctx, space, handle)
	if err != nil {
		return nil, err
	}
	if !admitted {
		// The handle appeared between lookup and admission.
		return nil, inviteInvalid()
	}
	s.notifyPartner(space, member)
	return s.complete(ctx, &LoginResult{Space: space, Member: member, PartnerJoined: true})
}

// SubmitPassword runs the Password Gate for a suspended login.
func (s *Service) SubmitPassword(ctx context.Context, preAuthToken string, memberID ulid.ULID, candidate string, mode GateMode) (*SessionGrant, error) {
	return s.gate.EstablishOrVerify(ctx, preAuthToken, memberID, candidate, mode)
}

// BeginPasswordSetup issues a pre-auth credential so a signed-in member without a
// password can enter the setup branch of the Password Gate.
func (s *Service) BeginPasswordSetup(ctx context.Context, view *SessionView) (string, error) {
	if view.Member.HasPassword() {
		return "", passwordAlreadySet(view.Member)
	}
	return s.issuer.IssuePreAuth(ctx, view.Member)
}

// Session verifies a session credential and loads its member and space.
// A credential whose member no longer belongs to the named space is invalid.
func (s *Service) Session(ctx context.Context, token string) (*SessionView, error) {
	identity, err := s.issuer.VerifySession(ctx, token)
	if err != nil {
		return nil, err
	}
	space, err := s.spaces.Get(ctx, identity.SpaceID)
	if errors.Is(err, ErrNotFound) {
		return nil, credentialInvalid()
	}
	if err != nil {
		return nil, storeFailure(ctx, err, "load session space")
	}
	for _, m := range space.Members {
		if m.ID == identity.MemberID {
			return &SessionView{Identity: identity, Member: m, Space: space}, nil
		}
	}
	return nil, credentialInvalid()
}

// RegenerateInvite replaces the invite code of the session's space.
func (s *Service) RegenerateInvite(ctx context.Context, view *SessionView) (string, error) {
	return s.registry.IssueInviteCode(ctx, view.Space)
}

// VisibleInviteCode returns the invite code of the session's space while it awaits a partner.
func (s *Service) VisibleInviteCode(view *SessionView) string {
	return s.registry.VisibleInviteCode(view.Space)
}

// RequestVerification sends a verification code for address to the session's member.
func (s *Service) RequestVerification(ctx context.Context, view *SessionView, address string) (*IssuedCode, error) {
	return s.verification.IssueCode(ctx, view.Member.ID, address)
}

// ConfirmVerification redeems a verification code and binds address to the session's member.
func (s *Service) ConfirmVerification(ctx context.Context, view *SessionView, address, code string) (string, error) {
	if err := s.verification.RedeemCode(ctx, view.Member.ID, address, code); err != nil {
		return "", err
	}
	normalized, _ := NormalizeAddress(address) //nolint:errcheck // RedeemCode already validated it
	view.Member.Email = &normalized
	view.Member.EmailVerified = true
	return normalized, nil
}

// complete issues the credential appropriate to the member's password state.
func (s *Service) complete(ctx context.Context, result *LoginResult) (*LoginResult, error) {
	if result.Member.HasPassword() {
		token, err := s.issuer.IssuePreAuth(ctx, result.Member)
		if err != nil {
			return nil, err
		}
		result.RequiresPassword = true
		result.PreAuthToken = token
		return result, nil
	}

	token, err := s.issuer.IssueSession(ctx, result.Member)
	if err != nil {
		return nil, err
	}
	result.SessionToken = token
	result.SessionExpiresAt = s.issuer.now().Add(s.issuer.SessionTTL())
	return result, nil
}

// notifyPartner tells the existing member that joined has arrived. It never blocks the caller.
func (s *Service) notifyPartner(space *Space, joined *Member) {
	partner := space.Partner(joined.ID)
	if partner == nil {
		return
	}
	address := partner.VerifiedEmail()
	if address == "" {
		s.logger.Debug("partner has no verified address, skipping notification",
			"space_id", space.ID.String(), "member_id", partner.ID.String())
		return
	}
	event := PartnerEvent{
		Type:          EventPartnerJoined,
		SpaceID:       space.ID,
		PartnerID:     joined.ID,
		PartnerHandle: joined.Handle,
		OccurredAt:    time.Now().UTC(),
	}
	s.dispatcher.Dispatch(EventPartnerJoined, func(ctx context.Context) error {
		return s.notifier.SendPartnerNotification(ctx, address, event)
	})
}
