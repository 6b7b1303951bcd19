// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/twofold/twofold/internal/pairing"
	"github.com/twofold/twofold/pkg/errutil"
)

// Transport-level error codes.
const (
	CodeRequestInvalid = "REQUEST_INVALID"
	CodeInternal       = "INTERNAL"
)

type envelope struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

var statusByKind = map[pairing.Kind]int{
	pairing.KindInvalidInput:     http.StatusBadRequest,
	pairing.KindUnauthorized:     http.StatusUnauthorized,
	pairing.KindCapacityExceeded: http.StatusForbidden,
	pairing.KindNotFound:         http.StatusNotFound,
	pairing.KindConflict:         http.StatusConflict,
	pairing.KindRateLimited:      http.StatusTooManyRequests,
	pairing.KindDeliveryFailed:   http.StatusBadGateway,
}

// Messages are fixed per code so error text never carries internal detail.
var messageByCode = map[string]string{
	pairing.CodeInvalidPassphrase:  "The shared passphrase is too short.",
	pairing.CodeInvalidHandle:      "Pick a name between 1 and 32 characters.",
	pairing.CodeInvalidPassword:    "The password is too short.",
	pairing.CodeInvalidAddress:     "That email address does not look right.",
	pairing.CodeInvalidMode:        "Unknown password mode.",
	pairing.CodeNoPassword:         "No password has been set yet.",
	pairing.CodePasswordAlreadySet: "A password is already set.",
	pairing.CodeCodeInvalid:        "The code is wrong or has expired.",
	pairing.CodeCredentialInvalid:  "Please sign in again.",
	pairing.CodePreAuthMismatch:    "Please sign in again.",
	pairing.CodePasswordMismatch:   "Incorrect password.",
	pairing.CodeRequestExpired:     "The request timed out. Please try again.",
	pairing.CodeCapacityExceeded:   "This space already has two people.",
	pairing.CodeRateLimited:        "Too many codes requested. Please wait before trying again.",
	pairing.CodeNotFound:           "Not found.",
	pairing.CodeInviteInvalid:      "That invite code is not valid.",
	pairing.CodeAddressTaken:       "That email address is already in use.",
	pairing.CodeDeliveryFailed:     "The code could not be sent. Please try again.",
	CodeRequestInvalid:             "The request body is not valid.",
	CodeInternal:                   "Something went wrong.",
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeRequestInvalid(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Error:   CodeRequestInvalid,
		Message: messageByCode[CodeRequestInvalid],
	})
}

// writeError maps err onto a status and envelope. Internal errors are logged
// and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := pairing.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		errutil.LogError(logger.With("route", routeName(r)), "request failed", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: CodeInternal, Message: messageByCode[CodeInternal]})
		return
	}

	code := errutil.Code(err)
	body := envelope{Error: code, Message: messageByCode[code]}
	if kind == pairing.KindRateLimited {
		secs := pairing.RetryAfterSeconds(pairing.RetryAfter(err))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if kind == pairing.KindDeliveryFailed {
		errutil.LogWarn(logger, "verification code delivery failed", err)
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body of at most maxBody bytes into dst.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeRequestInvalid(w)
		return false
	}
	return true
}

const maxBody = 16 << 10
