// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"time"

	"github.com/twofold/twofold/internal/pairing"
)

type memberView struct {
	ID            string    `json:"id"`
	Handle        string    `json:"handle"`
	Avatar        string    `json:"avatar"`
	HasPassword   bool      `json:"hasPassword"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// partnerView omits the partner's address and password state.
type partnerView struct {
	ID       string    `json:"id"`
	Handle   string    `json:"handle"`
	Avatar   string    `json:"avatar"`
	JoinedAt time.Time `json:"joinedAt"`
}

type spaceView struct {
	ID          string       `json:"id"`
	MemberCount int          `json:"memberCount"`
	Partner     *partnerView `json:"partner,omitempty"`
	InviteCode  string       `json:"inviteCode,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type loginView struct {
	Member           memberView `json:"member"`
	Space            spaceView  `json:"space"`
	IsNewSpace       bool       `json:"isNewSpace"`
	PartnerJoined    bool       `json:"partnerJoined"`
	RequiresPassword bool       `json:"requiresPassword"`
	PreAuthToken     string     `json:"preAuthToken,omitempty"`
}

func newMemberView(m *pairing.Member) memberView {
	v := memberView{
		ID:            m.ID.String(),
		Handle:        m.Handle,
		Avatar:        m.Avatar,
		HasPassword:   m.HasPassword(),
		EmailVerified: m.EmailVerified,
		JoinedAt:      m.CreatedAt,
	}
	if m.Email != nil {
		v.Email = *m.Email
	}
	return v
}

// newSpaceView describes space as seen by viewer. inviteCode is "" unless it should be shown.
func newSpaceView(space *pairing.Space, viewer *pairing.Member, inviteCode string) spaceView {
	v := spaceView{
		ID:          space.ID.String(),
		MemberCount: len(space.Members),
		InviteCode:  inviteCode,
		CreatedAt:   space.CreatedAt,
	}
	if partner := space.Partner(viewer.ID); partner != nil {
		v.Partner = &partnerView{
			ID:       partner.ID.String(),
			Handle:   partner.Handle,
			Avatar:   partner.Avatar,
			JoinedAt: partner.CreatedAt,
		}
	}
	return v
}
