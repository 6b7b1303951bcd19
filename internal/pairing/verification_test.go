// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package pairing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/internal/pairing/pairingtest"
	"github.com/twofold/twofold/pkg/errutil"
)

type verificationFixture struct {
	store    *pairingtest.Store
	notifier *pairingtest.RecordingNotifier
	clock    *fakeClock
	svc      *pairing.VerificationService
	mo       *pairing.Member
	ren      *pairing.Member
}

func newVerificationFixture(t *testing.T) *verificationFixture {
	t.Helper()
	ctx := context.Background()
	f := &verificationFixture{
		store:    pairingtest.NewStore(),
		notifier: &pairingtest.RecordingNotifier{},
		clock:    newFakeClock(),
	}
	svc, err := pairing.NewVerificationService(f.store, f.notifier, pairing.WithVerificationClock(f.clock.Now))
	require.NoError(t, err)
	f.svc = svc

	reg := newRegistry(t, f.store)
	space, mo, err := reg.CreateSpace(ctx, "digest", nil, "Mo")
	require.NoError(t, err)
	f.mo = mo
	f.ren, _, err = reg.AdmitMember(ctx, space, "Ren")
	require.NoError(t, err)
	return f
}

func TestNewVerificationService_NilDependencies(t *testing.T) {
	_, err := pairing.NewVerificationService(nil, &pairingtest.RecordingNotifier{})
	assert.Error(t, err)
	_, err = pairing.NewVerificationService(pairingtest.NewStore(), nil)
	assert.Error(t, err)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"mo@example.com", "mo@example.com", false},
		{"  Mo@Example.COM ", "mo@example.com", false},
		{"mo+diary@mail.example.org", "mo+diary@mail.example.org", false},
		{"", "", true},
		{"mo", "", true},
		{"mo@", "", true},
		{"@example.com", "", true},
		{"mo@example", "", true},
		{"m o@example.com", "", true},
		{"mo@@example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := pairing.NormalizeAddress(tt.input)
			if tt.wantErr {
				errutil.AssertErrorCode(t, err, pairing.CodeInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerificationService_IssueCode(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)

	issued, err := f.svc.IssueCode(ctx, f.mo.ID, " Mo@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "mo@example.com", issued.Address)
	assert.Equal(t, pairing.DefaultCodeTTL, issued.ExpiresIn)
	assert.Equal(t, f.clock.Now().Add(pairing.DefaultCodeTTL), issued.ExpiresAt)

	sent := f.notifier.Codes()
	require.Len(t, sent, 1)
	assert.Equal(t, "mo@example.com", sent[0].Address)
	assert.Regexp(t, sixDigits, sent[0].Code)
	assert.Equal(t, 1, f.store.CodeCount(f.mo.ID))

	latest, err := f.store.LatestCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, sent[0].Code, latest.CodeHash, "only the hash is stored")
}

func TestVerificationService_IssueCodePreconditionOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed address first", func(t *testing.T) {
		f := newVerificationFixture(t)
		f.store.Err = errors.New("store must not be called")
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "not-an-email")
		errutil.AssertErrorCode(t, err, pairing.CodeInvalidAddress)
	})

	t.Run("address bound to another member", func(t *testing.T) {
		f := newVerificationFixture(t)
		f.store.BindVerifiedAddress(f.ren.ID, "shared@example.com")

		_, err := f.svc.IssueCode(ctx, f.mo.ID, "shared@example.com")
		errutil.AssertErrorCode(t, err, pairing.CodeAddressTaken)
		assert.Equal(t, pairing.KindConflict, pairing.KindOf(err))
		assert.Empty(t, f.notifier.Codes())
	})

	t.Run("address already bound to the same member is allowed", func(t *testing.T) {
		f := newVerificationFixture(t)
		f.store.BindVerifiedAddress(f.mo.ID, "mo@example.com")

		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
	})

	t.Run("conflict is reported before throttling", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		f.store.BindVerifiedAddress(f.ren.ID, "shared@example.com")

		_, err = f.svc.IssueCode(ctx, f.mo.ID, "shared@example.com")
		errutil.AssertErrorCode(t, err, pairing.CodeAddressTaken)
	})
}

func TestVerificationService_Cooldown(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)

	_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)

	f.clock.Advance(15 * time.Second)
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)
	assert.Equal(t, pairing.KindRateLimited, pairing.KindOf(err))
	assert.Equal(t, 45*time.Second, pairing.RetryAfter(err))

	// The cooldown is per member, not per address.
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "other@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)

	// Other members are unaffected.
	_, err = f.svc.IssueCode(ctx, f.ren.ID, "ren@example.com")
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)
}

func TestVerificationService_HourlyLimit(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)

	for i := 0; i < pairing.DefaultCodeWindowLimit; i++ {
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err, "code %d", i+1)
		f.clock.Advance(2 * time.Minute)
	}

	_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)
	// The first code was issued 10 minutes ago and ages out after 60.
	assert.Equal(t, 50*time.Minute, pairing.RetryAfter(err))

	f.clock.Advance(50 * time.Minute)
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)
}

func TestVerificationService_DeliveryFailure(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)
	f.notifier.Err = errors.New("smtp unavailable")

	_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeDeliveryFailed)
	assert.Equal(t, pairing.KindDeliveryFailed, pairing.KindOf(err))
	assert.NotContains(t, err.Error(), "smtp", "transport detail is not exposed")

	// The undelivered code still counts toward throttling.
	f.notifier.Err = nil
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)
}

func TestVerificationService_RedeemCode(t *testing.T) {
	ctx := context.Background()

	t.Run("binds the address and purges every code", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		code := f.notifier.LastCode()

		require.NoError(t, f.svc.RedeemCode(ctx, f.mo.ID, "MO@example.com", code))

		member, err := f.store.GetMember(ctx, f.mo.ID)
		require.NoError(t, err)
		assert.Equal(t, "mo@example.com", member.VerifiedEmail())
		assert.Zero(t, f.store.CodeCount(f.mo.ID))

		owner, err := f.store.BoundMember(ctx, "mo@example.com")
		require.NoError(t, err)
		assert.Equal(t, f.mo.ID, owner)
	})

	t.Run("only the most recent code is accepted", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		first := f.notifier.LastCode()

		f.clock.Advance(time.Minute)
		_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		second := f.notifier.LastCode()
		if first == second {
			t.Skip("codes collided")
		}

		err = f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", first)
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)

		require.NoError(t, f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", second))
	})

	t.Run("a redeemed member's other codes stop working", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "old@example.com")
		require.NoError(t, err)
		oldCode := f.notifier.LastCode()

		f.clock.Advance(time.Minute)
		_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		require.NoError(t, f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", f.notifier.LastCode()))

		err = f.svc.RedeemCode(ctx, f.mo.ID, "old@example.com", oldCode)
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)
	})

	t.Run("code is scoped to member and address", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		code := f.notifier.LastCode()

		err = f.svc.RedeemCode(ctx, f.ren.ID, "mo@example.com", code)
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)

		err = f.svc.RedeemCode(ctx, f.mo.ID, "other@example.com", code)
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)
		wrong := "000000"
		if f.notifier.LastCode() == wrong {
			wrong = "111111"
		}

		err = f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", wrong)
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)
		assert.Equal(t, 1, f.store.CodeCount(f.mo.ID), "failed redemption keeps the code")
	})

	t.Run("expired code", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err)

		f.clock.Advance(pairing.DefaultCodeTTL)
		err = f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", f.notifier.LastCode())
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)
	})

	t.Run("no code issued", func(t *testing.T) {
		f := newVerificationFixture(t)
		err := f.svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", "123456")
		errutil.AssertErrorCode(t, err, pairing.CodeCodeInvalid)
	})

	t.Run("address claimed by someone else after issuance", func(t *testing.T) {
		f := newVerificationFixture(t)
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "shared@example.com")
		require.NoError(t, err)
		moCode := f.notifier.LastCode()

		_, err = f.svc.IssueCode(ctx, f.ren.ID, "shared@example.com")
		require.NoError(t, err)
		require.NoError(t, f.svc.RedeemCode(ctx, f.ren.ID, "shared@example.com", f.notifier.LastCode()))

		err = f.svc.RedeemCode(ctx, f.mo.ID, "shared@example.com", moCode)
		errutil.AssertErrorCode(t, err, pairing.CodeAddressTaken)

		member, err := f.store.GetMember(ctx, f.mo.ID)
		require.NoError(t, err)
		assert.Empty(t, member.VerifiedEmail())
	})
}

// racingRepo binds the address to another member between the ownership check and the bind.
type racingRepo struct {
	*pairingtest.Store
	rival ulid.ULID
}

func (r *racingRepo) BindAddress(ctx context.Context, memberID ulid.ULID, address string) error {
	r.Store.BindVerifiedAddress(r.rival, address)
	return r.Store.BindAddress(ctx, memberID, address)
}

func TestVerificationService_RedeemRaceMapsToConflict(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)
	repo := &racingRepo{Store: f.store, rival: f.ren.ID}
	svc, err := pairing.NewVerificationService(repo, f.notifier, pairing.WithVerificationClock(f.clock.Now))
	require.NoError(t, err)

	_, err = svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)

	err = svc.RedeemCode(ctx, f.mo.ID, "mo@example.com", f.notifier.LastCode())
	errutil.AssertErrorCode(t, err, pairing.CodeAddressTaken)
}

func TestVerificationService_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)
	_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.IssueCode(ctx, f.ren.ID, "ren@example.com")
	require.NoError(t, err)

	// Both codes are expired but still inside the trailing hour.
	f.clock.Advance(20 * time.Minute)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(36 * time.Minute)
	n, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, f.store.CodeCount(f.mo.ID))
	assert.Equal(t, 1, f.store.CodeCount(f.ren.ID))
}

func TestVerificationService_PurgeKeepsHourlyLimit(t *testing.T) {
	ctx := context.Background()
	f := newVerificationFixture(t)

	for i := 0; i < pairing.DefaultCodeWindowLimit; i++ {
		_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
		require.NoError(t, err, "code %d", i+1)
		f.clock.Advance(61 * time.Second)
	}
	_, err := f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)

	// Every code has expired, none has left the window.
	f.clock.Advance(11 * time.Minute)
	_, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, pairing.DefaultCodeWindowLimit, f.store.CodeCount(f.mo.ID))

	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	errutil.AssertErrorCode(t, err, pairing.CodeRateLimited)

	// The first code leaves the window 60 minutes after issuance.
	f.clock.Advance(60*time.Minute - 16*time.Minute + 5*time.Second)
	_, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	_, err = f.svc.IssueCode(ctx, f.mo.ID, "mo@example.com")
	require.NoError(t, err)
}

func TestVerificationService_PurgeCutoffWithLongTTL(t *testing.T) {
	ctx := context.Background()
	store := pairingtest.NewStore()
	clock := newFakeClock()
	svc, err := pairing.NewVerificationService(store, &pairingtest.RecordingNotifier{},
		pairing.WithVerificationClock(clock.Now),
		pairing.WithCodeTTL(2*time.Hour),
	)
	require.NoError(t, err)

	space, mo, err := newRegistry(t, store).CreateSpace(ctx, "digest", nil, "Mo")
	require.NoError(t, err)
	require.NotNil(t, space)
	_, err = svc.IssueCode(ctx, mo.ID, "mo@example.com")
	require.NoError(t, err)

	// Past the window but not yet expired: the code is still redeemable.
	clock.Advance(90 * time.Minute)
	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Minute)
	n, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
