package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_worker_jobs_total",
		Help: "Finished jobs by extractor and result",
	}, []string{"extractor", "result"}) // result=succeeded|failed|skipped|cancelled

	jobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_job_transitions_total",
		Help: "Job state transitions",
	}, []string{"from", "to"})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gleaner_job_duration_seconds",
		Help:    "Wall-clock duration of finished jobs",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"extractor"})

	leaseConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_worker_lease_conflicts_total",
		Help: "Jobs requeued because another worker holds the dataset lease",
	})

	leaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_worker_lease_lost_total",
		Help: "Jobs cancelled because the dataset lease could not be renewed",
	})

	idempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_worker_idempotent_replays_total",
		Help: "Messages skipped because the request ID was already processed",
	})

	badMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_worker_bad_messages_total",
		Help: "Messages dropped because the payload could not be decoded",
	})

	stagedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_worker_staged_bytes_total",
		Help: "Bytes staged from the dataset store into job work dirs",
	}, []string{"extractor"})

	emittedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_worker_emitted_bytes_total",
		Help: "Bytes published back to the dataset store from finished jobs",
	}, []string{"extractor"})

	sweeperDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gleaner_sweeper_deletions_total",
		Help: "Records and directories removed by the retention sweeper",
	}, []string{"kind"}) // kind=record|workdir|orphan

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gleaner_worker_jobs_in_flight",
		Help: "Jobs currently executing",
	})
)

// IncJobResult records one finished job.
func IncJobResult(extractor, result string) {
	jobsTotal.WithLabelValues(extractor, result).Inc()
}

// IncJobTransition records a state transition.
func IncJobTransition(from, to string) {
	jobTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveJobDuration records the wall-clock duration of a finished job.
func ObserveJobDuration(extractor string, d time.Duration) {
	jobDurationSeconds.WithLabelValues(extractor).Observe(d.Seconds())
}

// IncLeaseConflict records a job requeued due to a busy dataset lease.
func IncLeaseConflict() { leaseConflictsTotal.Inc() }

// IncLeaseLost records a job cancelled after losing its dataset lease.
func IncLeaseLost() { leaseLostTotal.Inc() }

// IncIdempotentReplay records a skipped duplicate request.
func IncIdempotentReplay() { idempotentReplaysTotal.Inc() }

// IncBadMessage records a dropped undecodable message.
func IncBadMessage() { badMessagesTotal.Inc() }

// AddStagedBytes accumulates input bytes staged for an extractor.
func AddStagedBytes(extractor string, n int64) {
	if n > 0 {
		stagedBytesTotal.WithLabelValues(extractor).Add(float64(n))
	}
}

// AddEmittedBytes accumulates output bytes published for an extractor.
func AddEmittedBytes(extractor string, n int64) {
	if n > 0 {
		emittedBytesTotal.WithLabelValues(extractor).Add(float64(n))
	}
}

// IncSweeperDeletion records one removal by the retention sweeper.
func IncSweeperDeletion(kind string) {
	sweeperDeletionsTotal.WithLabelValues(kind).Inc()
}

// JobStarted increments the in-flight gauge.
func JobStarted() { jobsInFlight.Inc() }

// JobFinished decrements the in-flight gauge.
func JobFinished() { jobsInFlight.Dec() }
