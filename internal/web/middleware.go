// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/twofold/twofold/internal/observability"
	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/pkg/errutil"
)

type sessionKey struct{}

// sessionFrom returns the session loaded by requireSession.
func sessionFrom(ctx context.Context) *pairing.SessionView {
	view, _ := ctx.Value(sessionKey{}).(*pairing.SessionView) //nolint:errcheck // absent means nil
	return view
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// instrument records the status and latency of each routed request.
func instrument(metrics *observability.Metrics, logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			route := routeName(r)
			metrics.ObserveHTTP(route, m.Code, m.Duration)
			logger.DebugContext(r.Context(), "request served",
				"method", r.Method,
				"route", route,
				"status", m.Code,
				"duration", m.Duration)
		})
	}
}

// recoverPanics turns a handler panic into a logged 500.
func recoverPanics(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
						panic(p)
					}
					err := oops.Code("HTTP_PANIC").With("route", routeName(r)).Errorf("handler panicked: %v", p)
					errutil.LogError(logger, "handler panicked", err)
					writeJSON(w, http.StatusInternalServerError, envelope{Error: CodeInternal, Message: messageByCode[CodeInternal]})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// withTimeout bounds each request's context. Expired work fails closed in the pairing layer.
func withTimeout(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireSession rejects requests without a valid session and stores the session view in the context.
func (h *handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeError(w, r, h.logger, oops.Code(pairing.CodeCredentialInvalid).Errorf("no session credential"))
			return
		}
		view, err := h.svc.Session(r.Context(), token)
		if err != nil {
			if pairing.KindOf(err) == pairing.KindUnauthorized {
				h.cookies.clear(w)
			}
			writeError(w, r, h.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, view)))
	})
}
