// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Login outcomes.
const (
	LoginCreated          = "created"
	LoginJoined           = "joined"
	LoginReentered        = "reentered"
	LoginPasswordRequired = "password_required"
	LoginRejected         = "rejected"
)

// Verification code outcomes.
const (
	CodeIssued         = "issued"
	CodeThrottled      = "throttled"
	CodeDeliveryFailed = "delivery_failed"
	CodeRedeemed       = "redeemed"
	CodeRejected       = "rejected"
)

// notificationFailures is package level so the dispatcher can count failures
// without holding a *Metrics.
var notificationFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "twofold_notification_failures_total",
		Help: "Notifications that could not be handed to the delivery outbox, by task",
	},
	[]string{"task"},
)

// RecordNotificationFailure counts one failed background notification.
func RecordNotificationFailure(task string) {
	notificationFailures.WithLabelValues(task).Inc()
}

// Metrics holds the pairing and HTTP metrics. A nil *Metrics records nothing.
type Metrics struct {
	LoginsTotal            *prometheus.CounterVec
	VerificationCodesTotal *prometheus.CounterVec
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twofold_logins_total",
				Help: "Passphrase and invite logins by outcome",
			},
			[]string{"outcome"},
		),
		VerificationCodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twofold_verification_codes_total",
				Help: "Verification code requests and redemptions by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twofold_http_requests_total",
				Help: "HTTP API requests by route and status code",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twofold_http_request_duration_seconds",
				Help:    "HTTP API latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(m.LoginsTotal, m.VerificationCodesTotal, m.HTTPRequestsTotal, m.HTTPRequestDuration)
	reg.MustRegister(notificationFailures)
	return m
}

// RecordLogin counts a login attempt.
func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// RecordCode counts a verification code event.
func (m *Metrics) RecordCode(outcome string) {
	if m == nil {
		return
	}
	m.VerificationCodesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
