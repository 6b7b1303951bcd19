// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairingtest

import (
	"github.com/twofold/twofold/internal/pairing"
)

// SigningSecret is a 32-byte HMAC key for tests.
var SigningSecret = []byte("test-signing-secret-0123456789ab")

// CheapHasher returns an argon2id hasher with minimal cost for fast tests.
func CheapHasher() *pairing.Argon2idHasher {
	return pairing.NewArgon2idHasherWithParams(pairing.Argon2Params{
		Time:    1,
		Memory:  64,
		Threads: 1,
		SaltLen: 16,
		KeyLen:  32,
	})
}
