// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// inviteCodeAttempts bounds retries after an invite code collision.
const inviteCodeAttempts = 5

// Registry owns space lifecycle: creation, admission and invite codes.
type Registry struct {
	spaces SpaceRepository
	logger *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(spaces SpaceRepository, logger *slog.Logger) (*Registry, error) {
	if spaces == nil {
		return nil, oops.Errorf("space repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{spaces: spaces, logger: logger}, nil
}

// CreateSpace stores a new space for digest with handle as its first member.
// The space is created with an initial invite code.
func (r *Registry) CreateSpace(ctx context.Context, digest string, index *string, handle string) (space *Space, member *Member, err error) {
	handle, err = NormalizeHandle(handle)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := tracer.Start(ctx, "pairing.create_space")
	defer func() { endSpan(span, err) }()

	for attempt := 1; attempt <= inviteCodeAttempts; attempt++ {
		space, err = NewSpace(digest, index)
		if err != nil {
			return nil, nil, err
		}
		member, err = NewMember(space.ID, handle)
		if err != nil {
			return nil, nil, err
		}
		var code string
		code, err = randomDigits(CodeLength)
		if err != nil {
			return nil, nil, err
		}
		space.InviteCode = &code

		err = r.spaces.Create(ctx, space, member)
		if errors.Is(err, ErrInviteCodeTaken) {
			r.logger.DebugContext(ctx, "invite code collision, retrying", "attempt", attempt)
			continue
		}
		if errors.Is(err, ErrSpaceExists) {
			return nil, nil, oops.Code("PAIRING_SPACE_RACE").Wrap(ErrSpaceExists)
		}
		if err != nil {
			return nil, nil, storeFailure(ctx, err, "create space")
		}
		space.Members = []*Member{member}
		span.SetAttributes(attribute.String("space.id", space.ID.String()))
		return space, member, nil
	}
	return nil, nil, oops.Code("PAIRING_INVITE_EXHAUSTED").
		With("attempts", inviteCodeAttempts).
		Errorf("could not allocate a unique invite code")
}

// AdmitMember adds handle to space, or routes to the existing member with that handle.
// admitted is false on re-entry. A full space rejects new handles with CapacityExceeded.
func (r *Registry) AdmitMember(ctx context.Context, space *Space, handle string) (member *Member, admitted bool, err error) {
	handle, err = NormalizeHandle(handle)
	if err != nil {
		return nil, false, err
	}

	ctx, span := tracer.Start(ctx, "pairing.admit_member",
		trace.WithAttributes(attribute.String("space.id", space.ID.String())),
	)
	defer func() { endSpan(span, err) }()

	candidate, err := NewMember(space.ID, handle)
	if err != nil {
		return nil, false, err
	}

	member, admitted, err = r.spaces.Admit(ctx, space.ID, candidate)
	if errors.Is(err, ErrSpaceFull) {
		return nil, false, capacityExceeded(space)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, false, oops.Code(CodeNotFound).With("space_id", space.ID.String()).Wrap(err)
	}
	if err != nil {
		return nil, false, storeFailure(ctx, err, "admit member")
	}
	span.SetAttributes(attribute.Bool("pairing.admitted", admitted))
	if admitted {
		space.Members = append(space.Members, member)
	}
	return member, admitted, nil
}

// IssueInviteCode generates and stores a fresh invite code for space.
// Refused with CapacityExceeded once the space is full.
func (r *Registry) IssueInviteCode(ctx context.Context, space *Space) (code string, err error) {
	if space.IsFull() {
		return "", capacityExceeded(space)
	}

	ctx, span := tracer.Start(ctx, "pairing.issue_invite_code",
		trace.WithAttributes(attribute.String("space.id", space.ID.String())),
	)
	defer func() { endSpan(span, err) }()

	for attempt := 1; attempt <= inviteCodeAttempts; attempt++ {
		code, err = randomDigits(CodeLength)
		if err != nil {
			return "", err
		}
		err = r.spaces.SetInviteCode(ctx, space.ID, code)
		switch {
		case err == nil:
			space.InviteCode = &code
			return code, nil
		case errors.Is(err, ErrInviteCodeTaken):
			continue
		case errors.Is(err, ErrSpaceFull):
			return "", capacityExceeded(space)
		default:
			return "", storeFailure(ctx, err, "set invite code")
		}
	}
	return "", oops.Code("PAIRING_INVITE_EXHAUSTED").
		With("attempts", inviteCodeAttempts).
		Errorf("could not allocate a unique invite code")
}

// VisibleInviteCode returns the stored invite code only while the space has exactly one member.
// The stored value is kept after the partner joins but never shown again.
func (r *Registry) VisibleInviteCode(space *Space) string {
	return VisibleInviteCode(space)
}

// VisibleInviteCode is the package-level form of Registry.VisibleInviteCode.
func VisibleInviteCode(space *Space) string {
	if space == nil || space.InviteCode == nil || len(space.Members) != 1 {
		return ""
	}
	return *space.InviteCode
}

// FindByInviteCode returns the space an invite code admits to.
// Codes of full spaces are reported exactly like unknown codes.
func (r *Registry) FindByInviteCode(ctx context.Context, code string) (*Space, error) {
	if len(code) != CodeLength {
		return nil, inviteInvalid()
	}
	space, err := r.spaces.GetByInviteCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, inviteInvalid()
	}
	if err != nil {
		return nil, storeFailure(ctx, err, "get space by invite code")
	}
	if len(space.Members) != 1 {
		return nil, inviteInvalid()
	}
	return space, nil
}

func capacityExceeded(space *Space) error {
	return oops.Code(CodeCapacityExceeded).
		With("space_id", space.ID.String()).
		Errorf("this space already has two members")
}

func inviteInvalid() error {
	return oops.Code(CodeInviteInvalid).Errorf("invite code is not valid")
}

// storeFailure wraps an unexpected repository error. Expired contexts fail closed.
func storeFailure(ctx context.Context, err error, operation string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failClosed(ctxErr)
	}
	if contextDone(err) {
		return failClosed(err)
	}
	return oops.Code("PAIRING_STORE_FAILED").With("operation", operation).Wrap(err)
}
