// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

//go:build integration

package pairing_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/twofold/twofold/internal/pairing"
)

var _ = Describe("SpaceRepository", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		truncateAll(ctx)
	})

	Describe("Create", func() {
		It("persists the space with its first member", func() {
			space, member := createTestSpace(ctx, "Mo")

			got, err := env.Spaces.Get(ctx, space.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SecretDigest).To(Equal("digest-Mo"))
			Expect(got.Members).To(HaveLen(1))
			Expect(got.Members[0].ID).To(Equal(member.ID))
			Expect(got.Members[0].Avatar).To(Equal(member.Avatar))
		})

		It("rejects a second space with the same secret index", func() {
			index := "idx-shared"
			first, err := pairing.NewSpace("digest-a", &index)
			Expect(err).NotTo(HaveOccurred())
			m1, err := pairing.NewMember(first.ID, "Mo")
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Spaces.Create(ctx, first, m1)).To(Succeed())

			second, err := pairing.NewSpace("digest-b", &index)
			Expect(err).NotTo(HaveOccurred())
			m2, err := pairing.NewMember(second.ID, "Lu")
			Expect(err).NotTo(HaveOccurred())
			err = env.Spaces.Create(ctx, second, m2)
			Expect(err).To(MatchError(pairing.ErrSpaceExists))

			_, err = env.Spaces.Get(ctx, second.ID)
			Expect(err).To(MatchError(pairing.ErrNotFound))
		})

		It("reports invite code collisions", func() {
			space, _ := createTestSpace(ctx, "Mo")
			Expect(env.Spaces.SetInviteCode(ctx, space.ID, "123456")).To(Succeed())

			other, err := pairing.NewSpace("digest-other", nil)
			Expect(err).NotTo(HaveOccurred())
			code := "123456"
			other.InviteCode = &code
			member, err := pairing.NewMember(other.ID, "Lu")
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Spaces.Create(ctx, other, member)).To(MatchError(pairing.ErrInviteCodeTaken))
		})
	})

	Describe("lookups", func() {
		It("finds spaces by invite code and by index", func() {
			index := "idx-lookup"
			space, err := pairing.NewSpace("digest", &index)
			Expect(err).NotTo(HaveOccurred())
			member, err := pairing.NewMember(space.ID, "Mo")
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Spaces.Create(ctx, space, member)).To(Succeed())
			Expect(env.Spaces.SetInviteCode(ctx, space.ID, "654321")).To(Succeed())

			byCode, err := env.Spaces.GetByInviteCode(ctx, "654321")
			Expect(err).NotTo(HaveOccurred())
			Expect(byCode.ID).To(Equal(space.ID))

			byIndex, err := env.Spaces.ListByIndex(ctx, index)
			Expect(err).NotTo(HaveOccurred())
			Expect(byIndex).To(HaveLen(1))

			unindexed, err := env.Spaces.ListUnindexed(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(unindexed).To(BeEmpty())
		})

		It("backfills a missing secret index", func() {
			space, _ := createTestSpace(ctx, "Mo")

			unindexed, err := env.Spaces.ListUnindexed(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(unindexed).To(HaveLen(1))

			Expect(env.Spaces.SetSecretIndex(ctx, space.ID, "idx-late")).To(Succeed())
			byIndex, err := env.Spaces.ListByIndex(ctx, "idx-late")
			Expect(err).NotTo(HaveOccurred())
			Expect(byIndex).To(HaveLen(1))
		})
	})

	Describe("Admit", func() {
		It("admits a partner, re-enters by handle and refuses a third member", func() {
			space, first := createTestSpace(ctx, "Mo")

			partner, err := pairing.NewMember(space.ID, "Lu")
			Expect(err).NotTo(HaveOccurred())
			got, admitted, err := env.Spaces.Admit(ctx, space.ID, partner)
			Expect(err).NotTo(HaveOccurred())
			Expect(admitted).To(BeTrue())
			Expect(got.ID).To(Equal(partner.ID))

			again, err := pairing.NewMember(space.ID, "Mo")
			Expect(err).NotTo(HaveOccurred())
			got, admitted, err = env.Spaces.Admit(ctx, space.ID, again)
			Expect(err).NotTo(HaveOccurred())
			Expect(admitted).To(BeFalse())
			Expect(got.ID).To(Equal(first.ID))

			third, err := pairing.NewMember(space.ID, "Zed")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = env.Spaces.Admit(ctx, space.ID, third)
			Expect(err).To(MatchError(pairing.ErrSpaceFull))
		})

		It("admits exactly one of many concurrent newcomers", func() {
			space, _ := createTestSpace(ctx, "Mo")

			const newcomers = 10
			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
				full     atomic.Int32
			)
			for i := range newcomers {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					candidate, err := pairing.NewMember(space.ID, "guest-"+string(rune('a'+i)))
					Expect(err).NotTo(HaveOccurred())
					_, ok, err := env.Spaces.Admit(ctx, space.ID, candidate)
					switch {
					case err == nil && ok:
						admitted.Add(1)
					case err != nil:
						Expect(err).To(MatchError(pairing.ErrSpaceFull))
						full.Add(1)
					}
				}(i)
			}
			wg.Wait()

			Expect(admitted.Load()).To(Equal(int32(1)))
			Expect(full.Load()).To(Equal(int32(newcomers - 1)))

			got, err := env.Spaces.Get(ctx, space.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Members).To(HaveLen(pairing.MaxMembers))
		})

		It("returns not found for an unknown space", func() {
			candidate, err := pairing.NewMember(ulid.Make(), "Mo")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = env.Spaces.Admit(ctx, ulid.Make(), candidate)
			Expect(err).To(MatchError(pairing.ErrNotFound))
		})
	})

	Describe("SetPasswordHash", func() {
		It("sets a password once", func() {
			_, member := createTestSpace(ctx, "Mo")

			Expect(env.Spaces.SetPasswordHash(ctx, member.ID, "hash-1")).To(Succeed())
			Expect(env.Spaces.SetPasswordHash(ctx, member.ID, "hash-2")).To(MatchError(pairing.ErrPasswordSet))

			got, err := env.Spaces.GetMember(ctx, member.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.HasPassword()).To(BeTrue())
			Expect(*got.PasswordHash).To(Equal("hash-1"))
		})
	})
})

var _ = Describe("VerificationRepository", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		truncateAll(ctx)
	})

	newCode := func(memberID ulid.ULID, address string, createdAt time.Time, ttl time.Duration) *pairing.VerificationCode {
		return &pairing.VerificationCode{
			ID:        ulid.Make(),
			MemberID:  memberID,
			Address:   address,
			CodeHash:  "hash-" + ulid.Make().String(),
			CreatedAt: createdAt,
			ExpiresAt: createdAt.Add(ttl),
		}
	}

	It("returns the latest code and the issue history", func() {
		_, member := createTestSpace(ctx, "Mo")
		now := time.Now().UTC().Truncate(time.Microsecond)

		older := newCode(member.ID, "mo@example.com", now.Add(-2*time.Minute), 10*time.Minute)
		newer := newCode(member.ID, "mo@example.com", now.Add(-time.Minute), 10*time.Minute)
		Expect(env.Verification.CreateCode(ctx, older)).To(Succeed())
		Expect(env.Verification.CreateCode(ctx, newer)).To(Succeed())

		latest, err := env.Verification.LatestCode(ctx, member.ID, "mo@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.ID).To(Equal(newer.ID))

		issued, err := env.Verification.IssuedSince(ctx, member.ID, now.Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(issued).To(HaveLen(2))

		_, err = env.Verification.LatestCode(ctx, member.ID, "other@example.com")
		Expect(err).To(MatchError(pairing.ErrNotFound))
	})

	It("binds an address to one member only and clears that member's codes", func() {
		space, mo := createTestSpace(ctx, "Mo")
		lu, err := pairing.NewMember(space.ID, "Lu")
		Expect(err).NotTo(HaveOccurred())
		_, _, err = env.Spaces.Admit(ctx, space.ID, lu)
		Expect(err).NotTo(HaveOccurred())

		Expect(env.Verification.CreateCode(ctx, newCode(mo.ID, "shared@example.com", time.Now().UTC(), time.Minute))).To(Succeed())
		Expect(env.Verification.BindAddress(ctx, mo.ID, "shared@example.com")).To(Succeed())

		bound, err := env.Verification.BoundMember(ctx, "SHARED@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(bound).To(Equal(mo.ID))

		_, err = env.Verification.LatestCode(ctx, mo.ID, "shared@example.com")
		Expect(err).To(MatchError(pairing.ErrNotFound))

		Expect(env.Verification.BindAddress(ctx, lu.ID, "shared@example.com")).To(MatchError(pairing.ErrAddressTaken))
	})

	It("purges expired codes", func() {
		_, member := createTestSpace(ctx, "Mo")
		now := time.Now().UTC()
		Expect(env.Verification.CreateCode(ctx, newCode(member.ID, "mo@example.com", now.Add(-time.Hour), time.Minute))).To(Succeed())
		Expect(env.Verification.CreateCode(ctx, newCode(member.ID, "mo@example.com", now, time.Hour))).To(Succeed())

		n, err := env.Verification.PurgeExpired(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})
})
