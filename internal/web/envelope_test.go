// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twofold/twofold/internal/pairing"
)

func TestMessageByCode_CoversEveryKindedCode(t *testing.T) {
	codes := []string{
		pairing.CodeInvalidPassphrase, pairing.CodeInvalidHandle, pairing.CodeInvalidPassword,
		pairing.CodeInvalidAddress, pairing.CodeInvalidMode, pairing.CodeNoPassword,
		pairing.CodePasswordAlreadySet, pairing.CodeCodeInvalid, pairing.CodeCredentialInvalid,
		pairing.CodePreAuthMismatch, pairing.CodePasswordMismatch, pairing.CodeRequestExpired,
		pairing.CodeCapacityExceeded, pairing.CodeRateLimited, pairing.CodeNotFound,
		pairing.CodeInviteInvalid, pairing.CodeAddressTaken, pairing.CodeDeliveryFailed,
	}
	for _, code := range codes {
		assert.NotEmpty(t, messageByCode[code], code)
		_, ok := statusByKind[pairing.KindOf(oops.Code(code).Errorf("x"))]
		assert.True(t, ok, "no status for %s", code)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid input", oops.Code(pairing.CodeInvalidHandle).Errorf("bad"), http.StatusBadRequest, pairing.CodeInvalidHandle},
		{"unauthorized", oops.Code(pairing.CodeRequestExpired).Errorf("late"), http.StatusUnauthorized, pairing.CodeRequestExpired},
		{"capacity", oops.Code(pairing.CodeCapacityExceeded).Errorf("full"), http.StatusForbidden, pairing.CodeCapacityExceeded},
		{"not found", oops.Code(pairing.CodeNotFound).Errorf("gone"), http.StatusNotFound, pairing.CodeNotFound},
		{"conflict", oops.Code(pairing.CodeAddressTaken).Errorf("taken"), http.StatusConflict, pairing.CodeAddressTaken},
		{"delivery", oops.Code(pairing.CodeDeliveryFailed).Errorf("smtp"), http.StatusBadGateway, pairing.CodeDeliveryFailed},
		{"wrapped", oops.Code("STORE_QUERY_FAILED").Wrap(oops.Code(pairing.CodeNotFound).Errorf("gone")), http.StatusNotFound, pairing.CodeNotFound},
		{"internal", oops.Code("PAIRING_STORE_FAILED").Errorf("db password=hunter2"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), discardLogger(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body envelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, messageByCode[tt.code], body.Message)
			assert.NotContains(t, rec.Body.String(), "hunter2")
			assert.Empty(t, rec.Header().Get("Retry-After"))
		})
	}
}

func TestWriteError_RateLimitedRoundsUp(t *testing.T) {
	err := oops.Code(pairing.CodeRateLimited).With("retry_after", 1500*time.Millisecond).Errorf("slow down")
	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody), discardLogger(), err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.RetryAfter)
}

func TestDecode_RejectsOversizedBody(t *testing.T) {
	big := `{"passphrase":"` + strings.Repeat("a", maxBody) + `","handle":"Mo"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))

	var dst loginRequest
	assert.False(t, decode(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionToken(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   string
	}{
		{"cookie", "abc", "", "abc"},
		{"cookie wins", "abc", "Bearer xyz", "abc"},
		{"bearer", "", "Bearer xyz", "xyz"},
		{"blank cookie falls back", "  ", "Bearer xyz", "xyz"},
		{"other scheme", "", "Basic xyz", ""},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, sessionToken(req))
		})
	}
}

func TestCookiePolicy_Secure(t *testing.T) {
	rec := httptest.NewRecorder()
	cookiePolicy{secure: true}.set(rec, "tok", time.Hour)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, 3600, cookies[0].MaxAge)
	assert.Equal(t, "tok", cookies[0].Value)
}

func TestWithTimeout_BoundsContext(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := withTimeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)

	h = withTimeout(0)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.False(t, ok)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, "pong")
	}))
	assert.Empty(t, srv.Addr())

	errCh, err := srv.Start()
	require.NoError(t, err)
	_, err = srv.Start()
	assert.Error(t, err)

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), "pong")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
	_, open := <-errCh
	assert.False(t, open)
}
