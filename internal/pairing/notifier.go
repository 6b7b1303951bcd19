// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventPartnerJoined is sent to the existing member when a partner joins the space.
const EventPartnerJoined = "partner_joined"

// PartnerEvent describes something a member's partner did.
type PartnerEvent struct {
	Type          string    `json:"type"`
	SpaceID       ulid.ULID `json:"space_id"`
	PartnerID     ulid.ULID `json:"partner_id"`
	PartnerHandle string    `json:"partner_handle"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers messages to a member's bound address.
type Notifier interface {
	// SendVerificationCode delivers a one-time code. Failure is reported to the caller.
	SendVerificationCode(ctx context.Context, address, code string, expiresAt time.Time) error

	// SendPartnerNotification delivers a partner event. Callers never wait on it.
	SendPartnerNotification(ctx context.Context, address string, event PartnerEvent) error
}

// Dispatcher runs tasks detached from the request that triggered them.
// Task failures are logged by the dispatcher and never returned to the caller.
type Dispatcher interface {
	Dispatch(name string, task func(ctx context.Context) error)
}
