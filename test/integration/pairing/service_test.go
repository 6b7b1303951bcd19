// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

//go:build integration

package pairing_test

import (
	"context"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/internal/pairing/pairingtest"
)

var _ = Describe("Service on PostgreSQL", func() {
	var (
		ctx      context.Context
		notifier *pairingtest.RecordingNotifier
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncateAll(ctx)
		notifier = &pairingtest.RecordingNotifier{}
	})

	It("pairs two members, gates a password and verifies an address", func() {
		svc := newTestService(notifier, nil)

		first, err := svc.Login(ctx, "moonlight", "Mo")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.IsNewSpace).To(BeTrue())

		second, err := svc.Login(ctx, "moonlight", "Lu")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.PartnerJoined).To(BeTrue())
		Expect(second.Space.ID).To(Equal(first.Space.ID))

		_, err = svc.Login(ctx, "moonlight", "Zed")
		Expect(pairing.KindOf(err)).To(Equal(pairing.KindCapacityExceeded))

		view, err := svc.Session(ctx, first.SessionToken)
		Expect(err).NotTo(HaveOccurred())
		preAuth, err := svc.BeginPasswordSetup(ctx, view)
		Expect(err).NotTo(HaveOccurred())
		_, err = svc.SubmitPassword(ctx, preAuth, view.Member.ID, "hunter22", pairing.ModeSetup)
		Expect(err).NotTo(HaveOccurred())

		gated, err := svc.Login(ctx, "moonlight", "Mo")
		Expect(err).NotTo(HaveOccurred())
		Expect(gated.RequiresPassword).To(BeTrue())
		grant, err := svc.SubmitPassword(ctx, gated.PreAuthToken, gated.Member.ID, "hunter22", pairing.ModeVerify)
		Expect(err).NotTo(HaveOccurred())

		view, err = svc.Session(ctx, grant.Token)
		Expect(err).NotTo(HaveOccurred())
		_, err = svc.RequestVerification(ctx, view, "mo@example.com")
		Expect(err).NotTo(HaveOccurred())
		address, err := svc.ConfirmVerification(ctx, view, "mo@example.com", notifier.LastCode())
		Expect(err).NotTo(HaveOccurred())
		Expect(address).To(Equal("mo@example.com"))

		member, err := env.Spaces.GetMember(ctx, view.Member.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(member.VerifiedEmail()).To(Equal("mo@example.com"))
	})

	It("lets the partner join by invite code", func() {
		svc := newTestService(notifier, nil)

		first, err := svc.Login(ctx, "moonlight", "Mo")
		Expect(err).NotTo(HaveOccurred())
		code := pairing.VisibleInviteCode(first.Space)
		Expect(code).NotTo(BeEmpty())

		joined, err := svc.JoinByInvite(ctx, code, "Lu")
		Expect(err).NotTo(HaveOccurred())
		Expect(joined.Space.ID).To(Equal(first.Space.ID))

		_, err = svc.JoinByInvite(ctx, code, "Zed")
		Expect(pairing.KindOf(err)).To(Equal(pairing.KindNotFound))
	})

	It("creates one space when first logins race with an index key", func() {
		svc := newTestService(notifier, []byte("integration-index-key"))

		const racers = 6
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			spaces  = map[string]int{}
			refused int
		)
		for i := range racers {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				result, err := svc.Login(ctx, "racing passphrase", fmt.Sprintf("racer-%d", i))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					Expect(pairing.KindOf(err)).To(Equal(pairing.KindCapacityExceeded))
					refused++
					return
				}
				spaces[result.Space.ID.String()]++
			}(i)
		}
		wg.Wait()

		Expect(spaces).To(HaveLen(1))
		for _, admitted := range spaces {
			Expect(admitted).To(Equal(pairing.MaxMembers))
		}
		Expect(refused).To(Equal(racers - pairing.MaxMembers))
	})
})
