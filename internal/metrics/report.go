package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportPointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_report_points_total",
		Help: "Run points written to InfluxDB by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	toolRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_tool_runs_total",
		Help: "External tool invocations by tool and outcome",
	}, []string{"tool", "outcome"}) // outcome=success|failure|killed

	toolDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gleaner_tool_duration_seconds",
		Help:    "External tool run time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
	}, []string{"tool"})

	cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_cache_ops_total",
		Help: "Cache operations by outcome",
	}, []string{"outcome"}) // outcome=hit|miss|error

	procSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_proc_signals_total",
		Help: "Signals sent to tool process groups during termination",
	}, []string{"signal", "outcome"}) // signal=SIGTERM|SIGKILL, outcome=sent|error
)

// IncReportPoint records one Influx write attempt.
func IncReportPoint(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	reportPointsTotal.WithLabelValues(outcome).Inc()
}

// IncToolRun records one external tool invocation.
func IncToolRun(tool, outcome string) {
	toolRunsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveToolDuration records how long an external tool ran.
func ObserveToolDuration(tool string, seconds float64) {
	toolDurationSeconds.WithLabelValues(tool).Observe(seconds)
}

// IncCacheOp records a cache hit, miss, or error.
func IncCacheOp(outcome string) {
	cacheOpsTotal.WithLabelValues(outcome).Inc()
}

// IncProcSignal records a termination signal sent to a tool process group.
func IncProcSignal(signal string, sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "error"
	}
	procSignalsTotal.WithLabelValues(signal, outcome).Inc()
}
