package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(tasksEnqueued.WithLabelValues("premium"))
	TaskEnqueued("premium")
	TaskEnqueued("premium")
	if got := testutil.ToFloat64(tasksEnqueued.WithLabelValues("premium")) - before; got != 2 {
		t.Errorf("enqueued delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(admissionRejected.WithLabelValues("rate_limited"))
	AdmissionRejected("rate_limited")
	if got := testutil.ToFloat64(admissionRejected.WithLabelValues("rate_limited")) - before; got != 1 {
		t.Errorf("rejected delta = %v, want 1", got)
	}
}

func TestSetSchedulerState(t *testing.T) {
	SetSchedulerState("running")
	SetSchedulerState("recovering")

	want := map[string]float64{"stopped": 0, "running": 0, "recovering": 1}
	for state, v := range want {
		if got := testutil.ToFloat64(schedulerState.WithLabelValues(state)); got != v {
			t.Errorf("state %s = %v, want %v", state, got, v)
		}
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}

func TestObserveGeneration(t *testing.T) {
	ObserveGeneration("stub", 2*time.Second, nil)
	ObserveGeneration("stub", time.Second, errors.New("boom"))

	if n := testutil.CollectAndCount(generationDuration, "dreammaker_generation_duration_seconds"); n < 2 {
		t.Errorf("expected at least 2 series, got %d", n)
	}
}

func TestRegisterRuntime(t *testing.T) {
	reg := prometheus.NewRegistry()
	state := "open"
	err := RegisterRuntime(reg, Runtime{
		BreakerState:       func() string { return state },
		DroppedEvents:      func() uint64 { return 7 },
		GeneratorProcesses: func() int { return 2 },
	})
	if err != nil {
		t.Fatalf("RegisterRuntime() error = %v", err)
	}

	expected := `
# HELP dreammaker_backend_circuit_state Generation backend circuit: 0 closed, 1 half-open, 2 open
# TYPE dreammaker_backend_circuit_state gauge
dreammaker_backend_circuit_state 2
# HELP dreammaker_events_dropped_total Events not delivered because a subscriber's buffer was full
# TYPE dreammaker_events_dropped_total counter
dreammaker_events_dropped_total 7
# HELP dreammaker_generator_processes Local generator processes currently running
# TYPE dreammaker_generator_processes gauge
dreammaker_generator_processes 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}

	state = "half-open"
	if err := testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, "state 2", "state 1", 1)),
		"dreammaker_backend_circuit_state"); err != nil {
		t.Error(err)
	}

	// A second registration of the same names fails
	if err := RegisterRuntime(reg, Runtime{DroppedEvents: func() uint64 { return 0 }}); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestRegisterRuntime_SkipsNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterRuntime(reg, Runtime{GeneratorProcesses: func() int { return 0 }}); err != nil {
		t.Fatalf("RegisterRuntime() error = %v", err)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 1 {
		t.Errorf("gathered %d metrics (%v), want 1", n, err)
	}
}
