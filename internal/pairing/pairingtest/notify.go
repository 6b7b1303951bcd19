// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairingtest

import (
	"context"
	"sync"
	"time"

	"github.com/twofold/twofold/internal/pairing"
)

// SentCode is a verification code captured by RecordingNotifier.
type SentCode struct {
	Address   string
	Code      string
	ExpiresAt time.Time
}

// SentEvent is a partner event captured by RecordingNotifier.
type SentEvent struct {
	Address string
	Event   pairing.PartnerEvent
}

// RecordingNotifier is a pairing.Notifier that records what it was asked to send.
type RecordingNotifier struct {
	mu     sync.Mutex
	codes  []SentCode
	events []SentEvent

	// Err, when set, is returned by every send.
	Err error
}

// SendVerificationCode implements pairing.Notifier.
func (n *RecordingNotifier) SendVerificationCode(_ context.Context, address, code string, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.codes = append(n.codes, SentCode{Address: address, Code: code, ExpiresAt: expiresAt})
	return nil
}

// SendPartnerNotification implements pairing.Notifier.
func (n *RecordingNotifier) SendPartnerNotification(_ context.Context, address string, event pairing.PartnerEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.events = append(n.events, SentEvent{Address: address, Event: event})
	return nil
}

// Codes returns the verification codes sent so far.
func (n *RecordingNotifier) Codes() []SentCode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentCode(nil), n.codes...)
}

// LastCode returns the most recently sent code, or "".
func (n *RecordingNotifier) LastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1].Code
}

// Events returns the partner events sent so far.
func (n *RecordingNotifier) Events() []SentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentEvent(nil), n.events...)
}

// InlineDispatcher is a pairing.Dispatcher that runs tasks synchronously and records their errors.
type InlineDispatcher struct {
	mu     sync.Mutex
	names  []string
	errors []error
}

// Dispatch implements pairing.Dispatcher.
func (d *InlineDispatcher) Dispatch(name string, task func(ctx context.Context) error) {
	err := task(context.Background())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = append(d.names, name)
	if err != nil {
		d.errors = append(d.errors, err)
	}
}

// Names returns the names of dispatched tasks.
func (d *InlineDispatcher) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...)
}

// Errors returns the errors returned by dispatched tasks.
func (d *InlineDispatcher) Errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errors...)
}
