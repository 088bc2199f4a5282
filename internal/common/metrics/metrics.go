// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompileRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compiler_requests_total",
			Help: "Total number of compile requests by source and final state",
		},
		[]string{"source", "outcome"},
	)

	CompileRequestsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compiler_requests_active",
			Help: "Number of compile requests in flight",
		},
		[]string{"source"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compiler_stage_failures_total",
			Help: "Total number of pipeline stage failures",
		},
		[]string{"stage", "error_code"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compiler_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	NLPCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlp_cache_lookups_total",
			Help: "NLP response cache lookups by stage and result",
		},
		[]string{"stage", "result"},
	)

	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Total number of approval decisions by kind",
		},
		[]string{"kind"},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "approval_sessions_pending",
			Help: "Number of sessions awaiting a decision",
		},
	)

	TemplateReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_reloads_total",
			Help: "Template store reloads by result",
		},
		[]string{"result"},
	)
)
