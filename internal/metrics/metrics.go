package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend call latency in milliseconds
	BackendCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emailassist_backend_call_latency_ms",
			Help:    "Latency of POST /process-email calls in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"status"},
	)

	SubmissionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emailassist_submissions_total",
			Help: "Total number of settled submissions",
		},
		[]string{"source", "outcome"}, // outcome: success, backend_rejected, transport
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emailassist_tokens_used_total",
			Help: "Tokens reported by the backend",
		},
		[]string{"source"},
	)

	InboxEmailCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emailassist_inbox_emails_total",
			Help: "Inbox emails handled by batch runs",
		},
		[]string{"mode", "status"},
	)

	ReplyDeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emailassist_reply_deliveries_total",
			Help: "Replies delivered by email",
		},
		[]string{"provider", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emailassist_http_request_duration_seconds",
			Help:    "Local web server request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)
)

// RecordBackendCall records the latency of one backend call
func RecordBackendCall(status string, duration time.Duration) {
	BackendCallLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// RecordSubmission counts a settled submission and the tokens it used
func RecordSubmission(source, outcome string, tokens *int) {
	SubmissionCount.WithLabelValues(source, outcome).Inc()
	if tokens != nil && *tokens > 0 {
		TokensUsed.WithLabelValues(source).Add(float64(*tokens))
	}
}

func IncrementInboxEmail(mode, status string) {
	InboxEmailCount.WithLabelValues(mode, status).Inc()
}

func IncrementReplyDelivery(provider, status string) {
	ReplyDeliveryCount.WithLabelValues(provider, status).Inc()
}

func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
