// Package metrics exposes job execution metrics via Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/offload/pkg/api"
)

// Observer is an api.Observer exporting Prometheus metrics. Attach it to a
// dispatcher, alone or inside an api.CompositeObserver.
type Observer struct {
	jobsTotal       *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	runningJobs     prometheus.Gauge
}

// Ensure Observer implements api.Observer.
var _ api.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg. Passing
// nil registers with the default registerer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offload",
			Name:      "jobs_total",
			Help:      "Jobs finished, by handler and terminal status.",
		}, []string{"handler", "status"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offload",
			Name:      "attempt_duration_seconds",
			Help:      "Handler attempt durations, by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offload",
			Name:      "running_jobs",
			Help:      "Jobs currently executing.",
		}),
	}

	reg.MustRegister(o.jobsTotal, o.attemptDuration, o.runningJobs)
	return o
}

// NewQueueDepthGauge registers a gauge tracking the depth of a queue via its
// Len method, sampled at collection time.
func NewQueueDepthGauge(reg prometheus.Registerer, lenFn func() int) prometheus.GaugeFunc {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "offload",
		Name:      "queue_depth",
		Help:      "Tasks queued or in flight.",
	}, func() float64 {
		return float64(lenFn())
	})
	reg.MustRegister(g)
	return g
}

func (o *Observer) OnJobStart(ctx context.Context, job *api.Job) {
	o.runningJobs.Inc()
}

func (o *Observer) OnJobCompleted(ctx context.Context, job *api.Job) {
	o.runningJobs.Dec()
	o.jobsTotal.WithLabelValues(job.Handler, string(api.StatusCompleted)).Inc()
}

func (o *Observer) OnJobFailed(ctx context.Context, job *api.Job, err error) {
	o.runningJobs.Dec()
	o.jobsTotal.WithLabelValues(job.Handler, string(api.StatusFailed)).Inc()
}

func (o *Observer) OnJobCancelled(ctx context.Context, job *api.Job) {
	o.runningJobs.Dec()
	o.jobsTotal.WithLabelValues(job.Handler, string(api.StatusCancelled)).Inc()
}

func (o *Observer) OnAttemptStart(ctx context.Context, job *api.Job, attempt int) {}

func (o *Observer) OnAttemptCompleted(ctx context.Context, job *api.Job, attempt int, err error, d time.Duration) {
	o.attemptDuration.WithLabelValues(job.Handler).Observe(d.Seconds())
}
