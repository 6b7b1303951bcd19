// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package notify hands pairing notifications to a delivery backend.
//
// RedisNotifier appends JSON envelopes to a Redis list that an external
// mail worker drains. LogNotifier writes them to the log for local use.
// Dispatcher runs fire-and-forget sends off the request path.
package notify
