// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/twofold/twofold/pkg/errutil"
)

// Sentinel errors returned by repositories.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSpaceFull is returned by an admission that would exceed two members.
	ErrSpaceFull = errors.New("space is full")

	// ErrAddressTaken is returned when an address is already bound to another member.
	ErrAddressTaken = errors.New("address already bound")

	// ErrPasswordSet is returned when a conditional password write finds one already stored.
	ErrPasswordSet = errors.New("password already set")

	// ErrInviteCodeTaken is returned when a generated invite code collides with another space.
	ErrInviteCodeTaken = errors.New("invite code already in use")

	// ErrSpaceExists is returned when a space with the same secret index was created concurrently.
	ErrSpaceExists = errors.New("space already exists for secret")
)

// Error codes. Each maps onto exactly one Kind.
const (
	CodeInvalidPassphrase  = "PAIRING_INVALID_PASSPHRASE"
	CodeInvalidHandle      = "PAIRING_INVALID_HANDLE"
	CodeInvalidPassword    = "PAIRING_INVALID_PASSWORD"
	CodeInvalidAddress     = "PAIRING_INVALID_ADDRESS"
	CodeInvalidMode        = "PAIRING_INVALID_MODE"
	CodeNoPassword         = "PAIRING_NO_PASSWORD"
	CodePasswordAlreadySet = "PAIRING_PASSWORD_ALREADY_SET"
	CodeCodeInvalid        = "PAIRING_CODE_INVALID"

	CodeCredentialInvalid = "PAIRING_CREDENTIAL_INVALID"
	CodePreAuthMismatch   = "PAIRING_PREAUTH_MISMATCH"
	CodePasswordMismatch  = "PAIRING_PASSWORD_MISMATCH"
	CodeRequestExpired    = "PAIRING_REQUEST_EXPIRED"

	CodeCapacityExceeded = "PAIRING_CAPACITY_EXCEEDED"
	CodeRateLimited      = "PAIRING_RATE_LIMITED"
	CodeNotFound         = "PAIRING_NOT_FOUND"
	CodeInviteInvalid    = "PAIRING_INVITE_INVALID"
	CodeAddressTaken     = "PAIRING_ADDRESS_TAKEN"
	CodeDeliveryFailed   = "PAIRING_DELIVERY_FAILED"
)

// Kind is the caller-facing classification of a pairing error.
type Kind string

// Error kinds.
const (
	KindInvalidInput     Kind = "invalid_input"
	KindUnauthorized     Kind = "unauthorized"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindRateLimited      Kind = "rate_limited"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindDeliveryFailed   Kind = "delivery_failed"
	KindInternal         Kind = "internal"
)

var kindByCode = map[string]Kind{
	CodeInvalidPassphrase:  KindInvalidInput,
	CodeInvalidHandle:      KindInvalidInput,
	CodeInvalidPassword:    KindInvalidInput,
	CodeInvalidAddress:     KindInvalidInput,
	CodeInvalidMode:        KindInvalidInput,
	CodeNoPassword:         KindInvalidInput,
	CodePasswordAlreadySet: KindInvalidInput,
	CodeCodeInvalid:        KindInvalidInput,
	CodeCredentialInvalid:  KindUnauthorized,
	CodePreAuthMismatch:    KindUnauthorized,
	CodePasswordMismatch:   KindUnauthorized,
	CodeRequestExpired:     KindUnauthorized,
	CodeCapacityExceeded:   KindCapacityExceeded,
	CodeRateLimited:        KindRateLimited,
	CodeNotFound:           KindNotFound,
	CodeInviteInvalid:      KindNotFound,
	CodeAddressTaken:       KindConflict,
	CodeDeliveryFailed:     KindDeliveryFailed,
}

// KindOf classifies err. Anything without a known pairing code is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if kind, ok := kindByCode[errutil.Code(err)]; ok {
		return kind
	}
	return KindInternal
}

// retryAfterKey is the oops context key carrying a rate-limit wait.
const retryAfterKey = "retry_after"

// RetryAfter returns how long a rate-limited caller must wait.
// It returns zero for errors that carry no wait.
func RetryAfter(err error) time.Duration {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0
	}
	if d, ok := oopsErr.Context()[retryAfterKey].(time.Duration); ok {
		return d
	}
	return 0
}

// rateLimited builds a RateLimited rejection carrying the remaining wait.
func rateLimited(wait time.Duration, reason string) error {
	return oops.Code(CodeRateLimited).
		With(retryAfterKey, wait).
		Errorf("%s", reason)
}

// failClosed converts a cancelled or expired context into an Unauthorized rejection.
func failClosed(err error) error {
	return oops.Code(CodeRequestExpired).
		With("cause", err.Error()).
		Errorf("request expired before it could be completed")
}

// contextDone reports whether err is a context cancellation or deadline.
func contextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
