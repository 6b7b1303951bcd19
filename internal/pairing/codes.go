// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"

	"github.com/samber/oops"
)

// CodeLength is the number of digits in invite and verification codes.
const CodeLength = 6

// randomDigits returns n uniformly random decimal digits.
func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", oops.Code("PAIRING_RANDOM_FAILED").With("operation", "generate digits").Wrap(err)
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

// hashCode returns the hex SHA-256 of a one-time code. Only the hash is stored.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a candidate code against a stored hash in constant time.
func codeMatches(candidate, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashCode(candidate)), []byte(storedHash)) == 1
}
