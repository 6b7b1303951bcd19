// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/twofold/twofold/internal/observability"
)

// Options configure the API router.
type Options struct {
	Metrics        *observability.Metrics
	Logger         *slog.Logger
	SecureCookies  bool
	RequestTimeout time.Duration
}

// NewRouter builds the API routes on top of svc.
func NewRouter(svc PairingService, opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		svc:     svc,
		metrics: opts.Metrics,
		logger:  logger.With("component", "web"),
		cookies: cookiePolicy{secure: opts.SecureCookies},
	}

	r := mux.NewRouter()
	r.Use(instrument(opts.Metrics, h.logger), recoverPanics(h.logger), withTimeout(opts.RequestTimeout))

	api := r.PathPrefix("/api").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", h.login).Methods(http.MethodPost)
	auth.HandleFunc("/join", h.join).Methods(http.MethodPost)
	auth.HandleFunc("/password", h.password).Methods(http.MethodPost)
	auth.HandleFunc("/logout", h.logout).Methods(http.MethodPost)
	auth.Handle("/password/setup", h.requireSession(http.HandlerFunc(h.passwordSetup))).Methods(http.MethodPost)
	auth.Handle("/me", h.requireSession(http.HandlerFunc(h.me))).Methods(http.MethodGet)

	api.Handle("/space", h.requireSession(http.HandlerFunc(h.space))).Methods(http.MethodGet)
	api.Handle("/space/invite", h.requireSession(http.HandlerFunc(h.regenerateInvite))).Methods(http.MethodPost)

	verification := api.PathPrefix("/verification").Subrouter()
	verification.Use(h.requireSession)
	verification.HandleFunc("/send", h.sendCode).Methods(http.MethodPost)
	verification.HandleFunc("/verify", h.verifyCode).Methods(http.MethodPost)

	withEnvelopeErrors(r, api, auth, verification)
	return r
}

// withEnvelopeErrors answers unmatched paths and methods with JSON envelopes.
// A subrouter resolves its own mismatches, so each one needs the handlers.
func withEnvelopeErrors(routers ...*mux.Router) {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "ROUTE_NOT_FOUND", Message: "Not found."})
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "METHOD_NOT_ALLOWED", Message: "Method not allowed."})
	})
	for _, r := range routers {
		r.NotFoundHandler = notFound
		r.MethodNotAllowedHandler = notAllowed
	}
}
