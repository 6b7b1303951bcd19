// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

// Package pairingtest provides in-memory collaborators for pairing tests.
package pairingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/twofold/twofold/internal/pairing"
)

// Store is an in-memory pairing.SpaceRepository and pairing.VerificationRepository.
// All methods are safe for concurrent use; Admit is atomic.
type Store struct {
	mu      sync.Mutex
	spaces  map[ulid.ULID]*pairing.Space
	members map[ulid.ULID]*pairing.Member
	codes   []*pairing.VerificationCode

	// Err, when set, is returned by every method.
	Err error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		spaces:  make(map[ulid.ULID]*pairing.Space),
		members: make(map[ulid.ULID]*pairing.Member),
	}
}

// Create implements pairing.SpaceRepository.
func (s *Store) Create(_ context.Context, space *pairing.Space, first *pairing.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.spaces {
		if space.InviteCode != nil && existing.InviteCode != nil && *existing.InviteCode == *space.InviteCode {
			return pairing.ErrInviteCodeTaken
		}
		if space.SecretIndex != nil && existing.SecretIndex != nil && *existing.SecretIndex == *space.SecretIndex {
			return pairing.ErrSpaceExists
		}
	}
	stored := copySpace(space)
	stored.Members = nil
	s.spaces[space.ID] = stored
	s.members[first.ID] = copyMember(first)
	return nil
}

// Get implements pairing.SpaceRepository.
func (s *Store) Get(_ context.Context, id ulid.ULID) (*pairing.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	space, ok := s.spaces[id]
	if !ok {
		return nil, pairing.ErrNotFound
	}
	return s.withMembers(space), nil
}

// GetByInviteCode implements pairing.SpaceRepository.
func (s *Store) GetByInviteCode(_ context.Context, code string) (*pairing.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, space := range s.spaces {
		if space.InviteCode != nil && *space.InviteCode == code {
			return s.withMembers(space), nil
		}
	}
	return nil, pairing.ErrNotFound
}

// ListUnindexed implements pairing.SpaceRepository.
func (s *Store) ListUnindexed(_ context.Context) ([]*pairing.Space, error) {
	return s.list(func(sp *pairing.Space) bool { return sp.SecretIndex == nil })
}

// ListByIndex implements pairing.SpaceRepository.
func (s *Store) ListByIndex(_ context.Context, index string) ([]*pairing.Space, error) {
	return s.list(func(sp *pairing.Space) bool { return sp.SecretIndex != nil && *sp.SecretIndex == index })
}

// SetSecretIndex implements pairing.SpaceRepository.
func (s *Store) SetSecretIndex(_ context.Context, id ulid.ULID, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	space, ok := s.spaces[id]
	if !ok {
		return pairing.ErrNotFound
	}
	if space.SecretIndex == nil {
		space.SecretIndex = &index
	}
	return nil
}

// SetInviteCode implements pairing.SpaceRepository.
func (s *Store) SetInviteCode(_ context.Context, id ulid.ULID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	space, ok := s.spaces[id]
	if !ok {
		return pairing.ErrNotFound
	}
	if len(s.membersOf(id)) >= pairing.MaxMembers {
		return pairing.ErrSpaceFull
	}
	for otherID, other := range s.spaces {
		if otherID != id && other.InviteCode != nil && *other.InviteCode == code {
			return pairing.ErrInviteCodeTaken
		}
	}
	space.InviteCode = &code
	return nil
}

// Admit implements pairing.SpaceRepository.
func (s *Store) Admit(_ context.Context, spaceID ulid.ULID, candidate *pairing.Member) (*pairing.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, false, s.Err
	}
	if _, ok := s.spaces[spaceID]; !ok {
		return nil, false, pairing.ErrNotFound
	}
	members := s.membersOf(spaceID)
	for _, m := range members {
		if m.Handle == candidate.Handle {
			return copyMember(m), false, nil
		}
	}
	if len(members) >= pairing.MaxMembers {
		return nil, false, pairing.ErrSpaceFull
	}
	s.members[candidate.ID] = copyMember(candidate)
	return copyMember(candidate), true, nil
}

// GetMember implements pairing.SpaceRepository.
func (s *Store) GetMember(_ context.Context, id ulid.ULID) (*pairing.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	m, ok := s.members[id]
	if !ok {
		return nil, pairing.ErrNotFound
	}
	return copyMember(m), nil
}

// SetPasswordHash implements pairing.SpaceRepository.
func (s *Store) SetPasswordHash(_ context.Context, memberID ulid.ULID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	m, ok := s.members[memberID]
	if !ok {
		return pairing.ErrNotFound
	}
	if m.HasPassword() {
		return pairing.ErrPasswordSet
	}
	m.PasswordHash = &hash
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// BoundMember implements pairing.VerificationRepository.
func (s *Store) BoundMember(_ context.Context, address string) (ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return ulid.ULID{}, s.Err
	}
	for _, m := range s.members {
		if m.VerifiedEmail() == address {
			return m.ID, nil
		}
	}
	return ulid.ULID{}, pairing.ErrNotFound
}

// CreateCode implements pairing.VerificationRepository.
func (s *Store) CreateCode(_ context.Context, code *pairing.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c := *code
	s.codes = append(s.codes, &c)
	return nil
}

// IssuedSince implements pairing.VerificationRepository.
func (s *Store) IssuedSince(_ context.Context, memberID ulid.ULID, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []time.Time
	for _, c := range s.codes {
		if c.MemberID == memberID && c.CreatedAt.After(since) {
			out = append(out, c.CreatedAt)
		}
	}
	return out, nil
}

// LatestCode implements pairing.VerificationRepository.
func (s *Store) LatestCode(_ context.Context, memberID ulid.ULID, address string) (*pairing.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var latest *pairing.VerificationCode
	for _, c := range s.codes {
		if c.MemberID != memberID || c.Address != address {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, pairing.ErrNotFound
	}
	c := *latest
	return &c, nil
}

// BindAddress implements pairing.VerificationRepository.
func (s *Store) BindAddress(_ context.Context, memberID ulid.ULID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, m := range s.members {
		if m.ID != memberID && m.VerifiedEmail() == address {
			return pairing.ErrAddressTaken
		}
	}
	m, ok := s.members[memberID]
	if !ok {
		return pairing.ErrNotFound
	}
	m.Email = &address
	m.EmailVerified = true
	m.UpdatedAt = time.Now().UTC()

	kept := s.codes[:0]
	for _, c := range s.codes {
		if c.MemberID != memberID {
			kept = append(kept, c)
		}
	}
	s.codes = kept
	return nil
}

// PurgeExpired implements pairing.VerificationRepository.
func (s *Store) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var removed int64
	kept := s.codes[:0]
	for _, c := range s.codes {
		if c.ExpiresAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.codes = kept
	return removed, nil
}

// CodeCount returns how many codes are stored for memberID.
func (s *Store) CodeCount(memberID ulid.ULID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes {
		if c.MemberID == memberID {
			n++
		}
	}
	return n
}

// SpaceCount returns how many spaces exist.
func (s *Store) SpaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spaces)
}

// BindVerifiedAddress sets a verified address on a member directly.
func (s *Store) BindVerifiedAddress(memberID ulid.ULID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[memberID]; ok {
		m.Email = &address
		m.EmailVerified = true
	}
}

// CorruptDigest replaces the stored digest of a space.
func (s *Store) CorruptDigest(spaceID ulid.ULID, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.spaces[spaceID]; ok {
		sp.SecretDigest = digest
	}
}

func (s *Store) list(keep func(*pairing.Space) bool) ([]*pairing.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*pairing.Space
	for _, sp := range s.spaces {
		if keep(sp) {
			c := copySpace(sp)
			c.Members = nil
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

func (s *Store) membersOf(spaceID ulid.ULID) []*pairing.Member {
	var out []*pairing.Member
	for _, m := range s.members {
		if m.SpaceID == spaceID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

func (s *Store) withMembers(space *pairing.Space) *pairing.Space {
	c := copySpace(space)
	c.Members = nil
	for _, m := range s.membersOf(space.ID) {
		c.Members = append(c.Members, copyMember(m))
	}
	return c
}

func copySpace(sp *pairing.Space) *pairing.Space {
	c := *sp
	return &c
}

func copyMember(m *pairing.Member) *pairing.Member {
	c := *m
	return &c
}
