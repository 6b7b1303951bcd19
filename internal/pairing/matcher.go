// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/twofold/twofold/pkg/errutil"
)

// DefaultMinPassphraseLength is the minimum passphrase length in runes.
const DefaultMinPassphraseLength = 4

// SecretMatcher finds the space whose stored digest matches a passphrase.
//
// Digests are salted, so the same passphrase never hashes to the same value
// twice and cannot be looked up by equality. Without an index key every space
// is verified in turn. With an index key, spaces carry a keyed HMAC of the
// passphrase used only to narrow the candidates; the salted digest still
// decides the match.
type SecretMatcher struct {
	spaces    SpaceRepository
	hasher    Hasher
	indexKey  []byte
	minLength int
	logger    *slog.Logger
}

// MatcherOption configures a SecretMatcher.
type MatcherOption func(*SecretMatcher)

// WithIndexKey enables the keyed lookup index.
func WithIndexKey(key []byte) MatcherOption {
	return func(m *SecretMatcher) {
		if len(key) > 0 {
			m.indexKey = append([]byte(nil), key...)
		}
	}
}

// WithMinPassphraseLength overrides DefaultMinPassphraseLength.
func WithMinPassphraseLength(n int) MatcherOption {
	return func(m *SecretMatcher) {
		if n > 0 {
			m.minLength = n
		}
	}
}

// WithMatcherLogger sets the logger used for skipped records.
func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *SecretMatcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewSecretMatcher creates a SecretMatcher.
func NewSecretMatcher(spaces SpaceRepository, hasher Hasher, opts ...MatcherOption) (*SecretMatcher, error) {
	if spaces == nil {
		return nil, oops.Errorf("space repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("hasher is required")
	}
	m := &SecretMatcher{
		spaces:    spaces,
		hasher:    hasher,
		minLength: DefaultMinPassphraseLength,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ValidatePassphrase trims surrounding whitespace and enforces the minimum length.
func (m *SecretMatcher) ValidatePassphrase(passphrase string) (string, error) {
	passphrase = strings.TrimSpace(passphrase)
	if n := utf8.RuneCountInString(passphrase); n < m.minLength {
		return "", oops.Code(CodeInvalidPassphrase).
			With("min_length", m.minLength).
			Errorf("passphrase must be at least %d characters", m.minLength)
	}
	return passphrase, nil
}

// Index returns the lookup index for passphrase, or nil when no index key is configured.
func (m *SecretMatcher) Index(passphrase string) *string {
	if len(m.indexKey) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, m.indexKey)
	mac.Write([]byte(passphrase))
	idx := hex.EncodeToString(mac.Sum(nil))
	return &idx
}

// Digest validates passphrase and returns its salted digest and lookup index.
func (m *SecretMatcher) Digest(passphrase string) (digest string, index *string, err error) {
	passphrase, err = m.ValidatePassphrase(passphrase)
	if err != nil {
		return "", nil, err
	}
	digest, err = m.hasher.Hash(passphrase)
	if err != nil {
		return "", nil, oops.Code("PAIRING_HASH_FAILED").With("operation", "hash passphrase").Wrap(err)
	}
	return digest, m.Index(passphrase), nil
}

// ResolveSpace returns the space whose secret matches passphrase, with its members.
// Returns an error wrapping ErrNotFound when no space matches.
// A cancelled context fails closed and never yields a match.
func (m *SecretMatcher) ResolveSpace(ctx context.Context, passphrase string) (space *Space, err error) {
	passphrase, err = m.ValidatePassphrase(passphrase)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pairing.resolve_space",
		trace.WithAttributes(attribute.Bool("pairing.indexed", len(m.indexKey) > 0)),
	)
	defer func() { endSpan(span, err) }()

	index := m.Index(passphrase)
	if index != nil {
		candidates, err := m.spaces.ListByIndex(ctx, *index)
		if err != nil {
			return nil, storeFailure(ctx, err, "list spaces by index")
		}
		found, err := m.scan(ctx, candidates, passphrase)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return m.load(ctx, found.ID)
		}
	}

	unindexed, err := m.spaces.ListUnindexed(ctx)
	if err != nil {
		return nil, storeFailure(ctx, err, "list unindexed spaces")
	}
	span.SetAttributes(attribute.Int("pairing.scanned", len(unindexed)))

	found, err := m.scan(ctx, unindexed, passphrase)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, oops.Code(CodeNotFound).Wrap(ErrNotFound)
	}

	if index != nil {
		if err := m.spaces.SetSecretIndex(ctx, found.ID, *index); err != nil {
			errutil.LogWarn(m.logger, "back-filling secret index failed",
				oops.With("operation", "set secret index").With("space_id", found.ID.String()).Wrap(err))
		}
	}
	return m.load(ctx, found.ID)
}

// scan verifies passphrase against each candidate in turn and stops at the first match.
func (m *SecretMatcher) scan(ctx context.Context, candidates []*Space, passphrase string) (*Space, error) {
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, failClosed(err)
		}
		ok, err := m.hasher.Verify(passphrase, candidate.SecretDigest)
		if err != nil {
			errutil.LogWarn(m.logger, "skipping space with unreadable digest",
				oops.With("space_id", candidate.ID.String()).Wrap(err))
			continue
		}
		if ok {
			return candidate, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, failClosed(err)
	}
	return nil, nil
}

func (m *SecretMatcher) load(ctx context.Context, id ulid.ULID) (*Space, error) {
	space, err := m.spaces.Get(ctx, id)
	if err != nil {
		return nil, storeFailure(ctx, err, "load matched space")
	}
	return space, nil
}
