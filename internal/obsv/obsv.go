// Package obsv wires the coordinator's hot paths into Prometheus metrics:
// one set of counters/histograms per component, registered against a single
// registry the HTTP server exposes on /metrics.
package obsv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter and histogram the coordinator emits.
type Metrics struct {
	Registry *prometheus.Registry

	DispatchTicks      prometheus.Counter
	DispatchAssigned   prometheus.Counter
	DispatchSkipped    prometheus.Counter
	DispatchTickSecs   prometheus.Histogram

	VerifyOutcomes *prometheus.CounterVec

	LedgerPostings *prometheus.CounterVec

	EmissionRuns    prometheus.Counter
	EmissionTokens  prometheus.Counter
	EmissionSkipped prometheus.Counter
}

// New constructs a fresh, independent registry and metric set - tests get
// isolation, and the process wires exactly one instance at startup.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		DispatchTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_dispatch_ticks_total",
			Help: "Number of dispatcher ticks executed.",
		}),
		DispatchAssigned: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_dispatch_assigned_total",
			Help: "Number of jobs bound to a worker by the dispatcher.",
		}),
		DispatchSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_dispatch_skipped_total",
			Help: "Number of claimed jobs left queued for lack of an eligible worker.",
		}),
		DispatchTickSecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_dispatch_tick_seconds",
			Help:    "Wall time of one dispatcher tick.",
			Buckets: prometheus.DefBuckets,
		}),
		VerifyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_verify_outcomes_total",
			Help: "Verification outcomes by verification_status.",
		}, []string{"status"}),
		LedgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_ledger_postings_total",
			Help: "Ledger entries written by entry_type.",
		}, []string{"entry_type"}),
		EmissionRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_emission_runs_total",
			Help: "Number of emission runs that actually credited tokens.",
		}),
		EmissionTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_emission_tokens_total",
			Help: "Total TOK credited by the emission job.",
		}),
		EmissionSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_emission_skipped_total",
			Help: "Number of emission runs that were no-ops (already ran today, cap exhausted, or no worker earned a payout).",
		}),
	}
}
