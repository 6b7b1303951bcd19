// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/twofold/twofold/internal/observability"
	"github.com/twofold/twofold/internal/pairing"
)

// PairingService is the part of *pairing.Service the API needs.
type PairingService interface {
	Login(ctx context.Context, passphrase, handle string) (*pairing.LoginResult, error)
	JoinByInvite(ctx context.Context, code, handle string) (*pairing.LoginResult, error)
	SubmitPassword(ctx context.Context, preAuthToken string, memberID ulid.ULID, candidate string, mode pairing.GateMode) (*pairing.SessionGrant, error)
	BeginPasswordSetup(ctx context.Context, view *pairing.SessionView) (string, error)
	Session(ctx context.Context, token string) (*pairing.SessionView, error)
	RegenerateInvite(ctx context.Context, view *pairing.SessionView) (string, error)
	VisibleInviteCode(view *pairing.SessionView) string
	RequestVerification(ctx context.Context, view *pairing.SessionView, address string) (*pairing.IssuedCode, error)
	ConfirmVerification(ctx context.Context, view *pairing.SessionView, address, code string) (string, error)
	SessionTTL() time.Duration
}

var _ PairingService = (*pairing.Service)(nil)

type handler struct {
	svc     PairingService
	metrics *observability.Metrics
	logger  *slog.Logger
	cookies cookiePolicy
}

type loginRequest struct {
	Passphrase string `json:"passphrase"`
	Handle     string `json:"handle"`
}

type joinRequest struct {
	InviteCode string `json:"inviteCode"`
	Handle     string `json:"handle"`
}

type passwordRequest struct {
	PreAuthToken string `json:"preAuthToken"`
	UserID       string `json:"userId"`
	Password     string `json:"password"`
	Mode         string `json:"mode"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// POST /api/auth/login
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.Login(r.Context(), req.Passphrase, req.Handle)
	h.finishLogin(w, r, result, err)
}

// POST /api/auth/join
func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.JoinByInvite(r.Context(), req.InviteCode, req.Handle)
	h.finishLogin(w, r, result, err)
}

func (h *handler) finishLogin(w http.ResponseWriter, r *http.Request, result *pairing.LoginResult, err error) {
	if err != nil {
		h.metrics.RecordLogin(observability.LoginRejected)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordLogin(loginOutcome(result))

	if result.SessionToken != "" {
		h.cookies.set(w, result.SessionToken, h.svc.SessionTTL())
	}
	view := loginView{
		Member:           newMemberView(result.Member),
		IsNewSpace:       result.IsNewSpace,
		PartnerJoined:    result.PartnerJoined,
		RequiresPassword: result.RequiresPassword,
		PreAuthToken:     result.PreAuthToken,
	}
	// The invite code is only shown once the password gate, if any, is passed.
	invite := ""
	if !result.RequiresPassword {
		invite = pairing.VisibleInviteCode(result.Space)
	}
	view.Space = newSpaceView(result.Space, result.Member, invite)
	writeData(w, view)
}

func loginOutcome(result *pairing.LoginResult) string {
	switch {
	case result.RequiresPassword:
		return observability.LoginPasswordRequired
	case result.IsNewSpace:
		return observability.LoginCreated
	case result.PartnerJoined:
		return observability.LoginJoined
	default:
		return observability.LoginReentered
	}
}

// POST /api/auth/password
func (h *handler) password(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decode(w, r, &req) {
		return
	}
	// An unparsable id cannot match the pre-auth credential and is rejected by the gate.
	memberID, _ := ulid.Parse(req.UserID) //nolint:errcheck // zero id never matches

	grant, err := h.svc.SubmitPassword(r.Context(), req.PreAuthToken, memberID, req.Password, pairing.GateMode(req.Mode))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.cookies.set(w, grant.Token, h.svc.SessionTTL())
	writeData(w, map[string]any{
		"member":    newMemberView(grant.Member),
		"expiresAt": grant.ExpiresAt,
	})
}

// POST /api/auth/password/setup
func (h *handler) passwordSetup(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	token, err := h.svc.BeginPasswordSetup(r.Context(), view)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, map[string]any{
		"preAuthToken": token,
		"userId":       view.Member.ID.String(),
	})
}

// POST /api/auth/logout
func (h *handler) logout(w http.ResponseWriter, _ *http.Request) {
	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// GET /api/auth/me
func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	writeData(w, map[string]any{
		"member":    newMemberView(view.Member),
		"space":     newSpaceView(view.Space, view.Member, h.svc.VisibleInviteCode(view)),
		"expiresAt": view.Identity.ExpiresAt,
	})
}

// GET /api/space
func (h *handler) space(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	writeData(w, newSpaceView(view.Space, view.Member, h.svc.VisibleInviteCode(view)))
}

// POST /api/space/invite
func (h *handler) regenerateInvite(w http.ResponseWriter, r *http.Request) {
	view := sessionFrom(r.Context())
	code, err := h.svc.RegenerateInvite(r.Context(), view)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, map[string]string{"inviteCode": code})
}

// POST /api/verification/send
func (h *handler) sendCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req) {
		return
	}
	issued, err := h.svc.RequestVerification(r.Context(), sessionFrom(r.Context()), req.Email)
	if err != nil {
		switch pairing.KindOf(err) {
		case pairing.KindRateLimited:
			h.metrics.RecordCode(observability.CodeThrottled)
		case pairing.KindDeliveryFailed:
			h.metrics.RecordCode(observability.CodeDeliveryFailed)
		}
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordCode(observability.CodeIssued)
	writeData(w, map[string]any{
		"email":     issued.Address,
		"expiresIn": int(issued.ExpiresIn / time.Second),
		"expiresAt": issued.ExpiresAt,
	})
}

// POST /api/verification/verify
func (h *handler) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	address, err := h.svc.ConfirmVerification(r.Context(), sessionFrom(r.Context()), req.Email, req.Code)
	if err != nil {
		h.metrics.RecordCode(observability.CodeRejected)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.RecordCode(observability.CodeRedeemed)
	writeData(w, map[string]any{"email": address, "verified": true})
}
