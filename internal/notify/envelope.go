// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package notify

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/twofold/twofold/internal/pairing"
)

// Envelope kinds.
const (
	KindVerificationCode = "verification_code"
	KindPartnerEvent     = "partner_event"
)

// Envelope is the JSON document pushed to the outbox.
type Envelope struct {
	ID       ulid.ULID `json:"id"`
	Kind     string    `json:"kind"`
	To       string    `json:"to"`
	QueuedAt time.Time `json:"queued_at"`

	Code      string     `json:"code,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Event *pairing.PartnerEvent `json:"event,omitempty"`
}

func codeEnvelope(address, code string, expiresAt, now time.Time) Envelope {
	return Envelope{
		ID:        ulid.Make(),
		Kind:      KindVerificationCode,
		To:        address,
		QueuedAt:  now,
		Code:      code,
		ExpiresAt: &expiresAt,
	}
}

func eventEnvelope(address string, event pairing.PartnerEvent, now time.Time) Envelope {
	return Envelope{
		ID:       ulid.Make(),
		Kind:     KindPartnerEvent,
		To:       address,
		QueuedAt: now,
		Event:    &event,
	}
}
