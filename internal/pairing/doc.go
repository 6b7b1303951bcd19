// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package pairing locates, creates and admits members to two-person spaces,
// and issues the credentials that keep them signed in.
//
// # Components
//
//   - SecretMatcher - resolves a shared passphrase to the one space whose salted digest matches
//   - Registry - creates spaces, admits members under the two-member cap, issues invite codes
//   - CredentialIssuer - mints and verifies session and pre-auth tokens
//   - PasswordGate - establishes or verifies a member's password behind a pre-auth token
//   - VerificationService - issues and redeems rate-limited codes binding an email address
//
// Service ties them together into the login flow.
//
// # Errors
//
// Every rejection is an oops error with a PAIRING_* code. KindOf maps the code
// onto a small taxonomy the transport layer turns into status codes, and
// RetryAfter extracts the wait carried by rate-limit rejections. Errors without
// a known code are internal.
package pairing
