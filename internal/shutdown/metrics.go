package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for teardown monitoring.
var (
	// teardownDuration tracks the total teardown duration.
	teardownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "manapmd_teardown_duration_seconds",
		Help: "Total duration of the teardown sequence in seconds",
	})

	// teardownPhase tracks the current teardown phase.
	teardownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "manapmd_teardown_phase",
		Help: "Current teardown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	// teardownErrors counts errors recorded during teardown.
	teardownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manapmd_teardown_errors_total",
		Help: "Total number of errors recorded during teardown",
	})

	// teardownStartTime records when teardown started.
	teardownStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "manapmd_teardown_start_timestamp_seconds",
		Help: "Unix timestamp when teardown started",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseQuiesce,
	PhaseQueues,
	PhaseInterrupts,
	PhaseHardware,
	PhaseShared,
	PhaseComplete,
	PhaseForced,
}

func setPhaseMetric(active Phase) {
	for _, p := range allPhases {
		v := 0.0
		if p == active {
			v = 1.0
		}

		teardownPhase.WithLabelValues(string(p)).Set(v)
	}
}

func markStarted() {
	teardownStartTime.SetToCurrentTime()
}

func recordDuration(d time.Duration) {
	teardownDuration.Set(d.Seconds())
}

func recordError() {
	teardownErrors.Inc()
}
