// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/twofold/twofold/internal/pairing"
)

// LogNotifier implements pairing.Notifier by logging each message.
// Codes are written in clear text, so it is meant for local development only.
type LogNotifier struct {
	logger *slog.Logger
}

var _ pairing.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// SendVerificationCode logs the code.
func (n *LogNotifier) SendVerificationCode(ctx context.Context, address, code string, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "verification code",
		"to", address,
		"code", code,
		"expires_at", expiresAt.UTC())
	return nil
}

// SendPartnerNotification logs the event.
func (n *LogNotifier) SendPartnerNotification(ctx context.Context, address string, event pairing.PartnerEvent) error {
	n.logger.InfoContext(ctx, "partner notification",
		"to", address,
		"type", event.Type,
		"space_id", event.SpaceID.String(),
		"partner_handle", event.PartnerHandle)
	return nil
}
