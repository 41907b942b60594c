package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeExternal         = "external"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures batch job health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobTimeouts    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
}

var (
	schedulerOnce sync.Once
	schedulerInst *SchedulerMetrics
)

func Scheduler() *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerInst = &SchedulerMetrics{
			jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_scheduler_job_runs_total",
				Help: "Number of scheduler job invocations.",
			}, []string{"job"}),
			jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_scheduler_job_errors_total",
				Help: "Number of scheduler job failures by error type.",
			}, []string{"job", "error_type"}),
			jobTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_scheduler_job_timeouts_total",
				Help: "Number of scheduler jobs ended by deadline.",
			}, []string{"job"}),
			jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ispbill_scheduler_job_duration_seconds",
				Help:    "Scheduler job wall time.",
				Buckets: prometheus.DefBuckets,
			}, []string{"job"}),
			batchProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ispbill_scheduler_batch_processed_total",
				Help: "Items processed per scheduler job.",
			}, []string{"job"}),
			runLoopLag: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "ispbill_scheduler_run_loop_lag_seconds",
				Help:    "Delay between scheduled and actual run loop ticks.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}),
		}
	})
	return schedulerInst
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, classifyError(err)).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) AddBatchProcessed(job string, n int) {
	if n > 0 {
		m.batchProcessed.WithLabelValues(job).Add(float64(n))
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	m.runLoopLag.Observe(d.Seconds())
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	default:
		return SchedulerErrorTypeUnknown
	}
}
