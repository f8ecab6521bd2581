// Package metrics holds the prometheus collectors of the generation queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dreammaker"

var (
	tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_enqueued_total",
		Help:      "Tasks accepted into the generation queue",
	}, []string{"plan"})
	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status",
	}, []string{"status"})
	admissionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejected_total",
		Help:      "Generation requests refused by the quota governor",
	}, []string{"reason"})
	schedulerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_restarts_total",
		Help:      "Times the scheduler loop was restarted after an error",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending_tasks",
		Help:      "Pending tasks seen at the last dequeue attempt",
	})
	schedulerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_state",
		Help:      "1 for the scheduler's current lifecycle state, 0 otherwise",
	}, []string{"state"})
	generationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Latency of backend image generation calls",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"backend", "outcome"})
)

// States lists every scheduler state the state gauge reports.
var States = []string{"stopped", "running", "recovering"}

func init() {
	prometheus.MustRegister(tasksEnqueued)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(admissionRejected)
	prometheus.MustRegister(schedulerRestarts)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(schedulerState)
	prometheus.MustRegister(generationDuration)
}

// TaskEnqueued counts a new task for plan.
func TaskEnqueued(plan string) { tasksEnqueued.WithLabelValues(plan).Inc() }

// TaskFinished counts a task reaching status.
func TaskFinished(status string) { tasksFinished.WithLabelValues(status).Inc() }

// AdmissionRejected counts a refused request.
func AdmissionRejected(reason string) { admissionRejected.WithLabelValues(reason).Inc() }

// SchedulerRestarted counts a loop restart.
func SchedulerRestarted() { schedulerRestarts.Inc() }

// SetQueueDepth records the pending task count.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetSchedulerState flips the state gauge to state.
func SetSchedulerState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		schedulerState.WithLabelValues(s).Set(v)
	}
}

// ObserveGeneration records one backend call.
func ObserveGeneration(backend string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	generationDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
