// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"time"
)

// Verification code throttling defaults.
const (
	// DefaultCodeCooldown is the minimum gap between two codes for one member.
	DefaultCodeCooldown = 60 * time.Second

	// DefaultCodeWindow is the trailing window for DefaultCodeWindowLimit.
	DefaultCodeWindow = time.Hour

	// DefaultCodeWindowLimit is the maximum number of codes per member per window.
	DefaultCodeWindowLimit = 5
)

// ThrottlePolicy bounds how often a member may request verification codes.
type ThrottlePolicy struct {
	Cooldown    time.Duration
	Window      time.Duration
	WindowLimit int
}

// DefaultThrottlePolicy returns the reference policy: one code per minute, five per hour.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		Cooldown:    DefaultCodeCooldown,
		Window:      DefaultCodeWindow,
		WindowLimit: DefaultCodeWindowLimit,
	}
}

// Horizon is how far back Check looks. Codes created earlier no longer affect throttling.
func (p ThrottlePolicy) Horizon() time.Duration {
	return max(p.Cooldown, p.Window)
}

// ThrottleReason says which limit rejected a request.
type ThrottleReason string

// Throttle reasons.
const (
	ThrottleNone     ThrottleReason = ""
	ThrottleCooldown ThrottleReason = "cooldown"
	ThrottleWindow   ThrottleReason = "window"
)

// ThrottleResult is the outcome of a throttle check.
type ThrottleResult struct {
	// Reason is ThrottleNone when the request is allowed.
	Reason ThrottleReason

	// RetryAfter is the time until the request would be allowed.
	RetryAfter time.Duration
}

// Allowed reports whether no limit applies.
func (r ThrottleResult) Allowed() bool {
	return r.Reason == ThrottleNone
}

// Check evaluates the issuance times of a member's previous codes, in any order.
// The cooldown is checked before the window limit.
func (p ThrottlePolicy) Check(issued []time.Time, now time.Time) ThrottleResult {
	var newest time.Time
	for _, t := range issued {
		if t.After(newest) {
			newest = t
		}
	}
	if !newest.IsZero() {
		if since := now.Sub(newest); since < p.Cooldown {
			return ThrottleResult{Reason: ThrottleCooldown, RetryAfter: p.Cooldown - since}
		}
	}

	var (
		inWindow int
		oldest   time.Time
	)
	for _, t := range issued {
		if now.Sub(t) >= p.Window {
			continue
		}
		inWindow++
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if p.WindowLimit > 0 && inWindow >= p.WindowLimit {
		return ThrottleResult{Reason: ThrottleWindow, RetryAfter: oldest.Add(p.Window).Sub(now)}
	}
	return ThrottleResult{}
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
