// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenspy_requests_total",
		Help: "Proxied API calls by provider, agent and outcome.",
	}, []string{"provider", "agent", "outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenspy_request_duration_seconds",
		Help:    "End-to-end proxied call duration, first byte in to last byte out.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenspy_tokens_total",
		Help: "Provider-reported token counts by direction (input, output, cache_read, cache_write).",
	}, []string{"provider", "agent", "direction"})

	CostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenspy_cost_usd_total",
		Help: "Computed cost in USD.",
	}, []string{"provider", "agent"})

	TurnDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenspy_turn_drops_total",
		Help: "Turns dropped because the store was unavailable or saturated.",
	})

	SessionHistoryChars = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenspy_session_history_chars",
		Help: "Last observed conversation-history size per agent.",
	}, []string{"agent"})

	SessionResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenspy_session_resets_total",
		Help: "Session resets by trigger (auto, manual).",
	}, []string{"agent", "trigger"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUsage pushes one call's token counts and cost into the counters.
func RecordUsage(provider, agent string, input, output, cacheRead, cacheWrite int64, costUSD float64) {
	TokensTotal.WithLabelValues(provider, agent, "input").Add(float64(input))
	TokensTotal.WithLabelValues(provider, agent, "output").Add(float64(output))
	if cacheRead > 0 {
		TokensTotal.WithLabelValues(provider, agent, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		TokensTotal.WithLabelValues(provider, agent, "cache_write").Add(float64(cacheWrite))
	}
	if costUSD > 0 {
		CostTotal.WithLabelValues(provider, agent).Add(costUSD)
	}
}
