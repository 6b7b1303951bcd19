// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/internal/pairing/pairingtest"
	"github.com/twofold/twofold/pkg/errutil"
)

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

func newRegistry(t *testing.T, store *pairingtest.Store) *pairing.Registry {
	t.Helper()
	reg, err := pairing.NewRegistry(store, nil)
	require.NoError(t, err)
	return reg
}

func TestNewRegistry_NilRepository(t *testing.T) {
	_, err := pairing.NewRegistry(nil, nil)
	require.Error(t, err)
}

func TestRegistry_CreateSpace(t *testing.T) {
	ctx := context.Background()
	store := pairingtest.NewStore()
	reg := newRegistry(t, store)

	space, member, err := reg.CreateSpace(ctx, "digest", nil, "  Mo ")
	require.NoError(t, err)
	assert.Equal(t, "Mo", member.Handle)
	assert.NotEmpty(t, member.Avatar)
	assert.Equal(t, space.ID, member.SpaceID)
	require.Len(t, space.Members, 1)
	require.NotNil(t, space.InviteCode)
	assert.Regexp(t, sixDigits, *space.InviteCode)
	assert.Equal(t, *space.InviteCode, reg.VisibleInviteCode(space))

	stored, err := store.Get(ctx, space.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Members, 1)
}

func TestRegistry_CreateSpace_InvalidHandle(t *testing.T) {
	reg := newRegistry(t, pairingtest.NewStore())
	_, _, err := reg.CreateSpace(context.Background(), "digest", nil, "")
	errutil.AssertErrorCode(t, err, pairing.CodeInvalidHandle)
}

func TestRegistry_AdmitMember(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a second member", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)

		ren, admitted, err := reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, "Ren", ren.Handle)
		assert.Len(t, space.Members, 2)
		assert.Empty(t, reg.VisibleInviteCode(space), "invite code withheld once full")
	})

	t.Run("existing handle re-enters instead of admitting", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, mo, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)

		again, admitted, err := reg.AdmitMember(ctx, space, "Mo")
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Equal(t, mo.ID, again.ID)
		assert.Len(t, space.Members, 1)
	})

	t.Run("handle match is case sensitive", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, mo, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)

		other, admitted, err := reg.AdmitMember(ctx, space, "mo")
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.NotEqual(t, mo.ID, other.ID)
	})

	t.Run("full space rejects a third handle", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)
		_, _, err = reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)

		member, admitted, err := reg.AdmitMember(ctx, space, "Anyone")
		assert.Nil(t, member)
		assert.False(t, admitted)
		errutil.AssertErrorCode(t, err, pairing.CodeCapacityExceeded)
		assert.Equal(t, pairing.KindCapacityExceeded, pairing.KindOf(err))
	})

	t.Run("full space still lets members re-enter", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)
		ren, _, err := reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)

		again, admitted, err := reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Equal(t, ren.ID, again.ID)
	})

	t.Run("store failure is internal", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)
		store.Err = errors.New("connection refused")

		_, _, err = reg.AdmitMember(ctx, space, "Ren")
		assert.Equal(t, pairing.KindInternal, pairing.KindOf(err))
	})

	t.Run("space missing from the store is not found", func(t *testing.T) {
		reg := newRegistry(t, pairingtest.NewStore())
		gone := &pairing.Space{ID: ulid.Make()}

		member, admitted, err := reg.AdmitMember(ctx, gone, "Ren")
		assert.Nil(t, member)
		assert.False(t, admitted)
		errutil.AssertErrorCode(t, err, pairing.CodeNotFound)
		assert.Equal(t, pairing.KindNotFound, pairing.KindOf(err))
		assert.ErrorIs(t, err, pairing.ErrNotFound)
	})
}

func TestRegistry_ConcurrentAdmission(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
			rejected int
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// Each goroutine works from its own snapshot showing one member.
				snapshot, err := store.Get(ctx, space.ID)
				if err != nil {
					return
				}
				_, ok, err := reg.AdmitMember(ctx, snapshot, fmt.Sprintf("partner-%d", i))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && ok:
					admitted++
				case pairing.KindOf(err) == pairing.KindCapacityExceeded:
					rejected++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, admitted, "round %d", round)
		assert.Equal(t, 1, rejected, "round %d", round)

		final, err := store.Get(ctx, space.ID)
		require.NoError(t, err)
		assert.Len(t, final.Members, pairing.MaxMembers)
	}
}

func TestRegistry_IssueInviteCode(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces the code while waiting for a partner", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)

		code, err := reg.IssueInviteCode(ctx, space)
		require.NoError(t, err)
		assert.Regexp(t, sixDigits, code)
		assert.Equal(t, code, reg.VisibleInviteCode(space))

		found, err := reg.FindByInviteCode(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, space.ID, found.ID)
	})

	t.Run("refused once the space is full", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)
		_, _, err = reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)

		_, err = reg.IssueInviteCode(ctx, space)
		errutil.AssertErrorCode(t, err, pairing.CodeCapacityExceeded)
	})

	t.Run("refused when the store sees a full space", func(t *testing.T) {
		store := pairingtest.NewStore()
		reg := newRegistry(t, store)
		space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
		require.NoError(t, err)
		stale, err := store.Get(ctx, space.ID)
		require.NoError(t, err)
		_, _, err = reg.AdmitMember(ctx, space, "Ren")
		require.NoError(t, err)

		_, err = reg.IssueInviteCode(ctx, stale)
		errutil.AssertErrorCode(t, err, pairing.CodeCapacityExceeded)
	})
}

func TestRegistry_FindByInviteCode(t *testing.T) {
	ctx := context.Background()
	store := pairingtest.NewStore()
	reg := newRegistry(t, store)
	space, _, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
	require.NoError(t, err)
	code := *space.InviteCode

	found, err := reg.FindByInviteCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, space.ID, found.ID)

	for _, bad := range []string{"", "12345", "1234567", "000000"} {
		if bad == code {
			continue
		}
		_, err := reg.FindByInviteCode(ctx, bad)
		errutil.AssertErrorCode(t, err, pairing.CodeInviteInvalid)
	}

	_, _, err = reg.AdmitMember(ctx, space, "Ren")
	require.NoError(t, err)
	_, err = reg.FindByInviteCode(ctx, code)
	errutil.AssertErrorCode(t, err, pairing.CodeInviteInvalid)
}
