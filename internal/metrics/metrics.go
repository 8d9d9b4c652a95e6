// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentdesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talentdesk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Poller metrics
	PollRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentdesk_mail_poll_runs_total",
			Help: "Mailbox poll runs by outcome",
		},
		[]string{"account", "outcome"}, // ok, error, skipped
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talentdesk_mail_poll_duration_seconds",
			Help:    "Mailbox poll run duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"account"},
	)

	PollStage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talentdesk_mail_poll_stage",
			Help: "Current poll stage (0 idle, 1 connecting, 2 fetching, 3 processing, 4 finalizing)",
		},
		[]string{"account"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentdesk_mail_messages_total",
			Help: "Inbound messages by postmaster action",
		},
		[]string{"action"}, // new_ticket, follow_up, duplicate, skipped, error
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentdesk_mail_poll_lock_busy_total",
			Help: "Poll runs skipped because another run held the mailbox lock",
		},
		[]string{"account"},
	)

	// Reply metrics
	RepliesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talentdesk_replies_sent_total",
			Help: "Replies delivered and recorded",
		},
	)

	RepliesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentdesk_replies_failed_total",
			Help: "Replies that failed",
		},
		[]string{"reason"}, // no_recipient, invalid, transport, unrecorded, other
	)
)
