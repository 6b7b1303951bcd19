// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package web exposes the pairing service as a JSON HTTP API.
//
// Every response uses the envelope
//
//	{"success": bool, "data": ..., "error": CODE, "message": text, "retryAfter": seconds}
//
// and session credentials travel in the twofold_session cookie.
package web
