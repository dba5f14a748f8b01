package parallel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the spawner and scheduler. A nil
// *Metrics records nothing.
type Metrics struct {
	threadsLive    prometheus.Gauge
	threadsSpawned prometheus.Counter
	threadTraps    prometheus.Counter
	spawnFailures  *prometheus.CounterVec
	partitions     *prometheus.CounterVec
	calls          *prometheus.CounterVec
	duration       prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const ns = "wasm_parallel"
	m := &Metrics{
		threadsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "threads_live",
			Help: "Spawned guest threads currently running.",
		}),
		threadsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "threads_spawned_total",
			Help: "Guest threads started by thread.spawn.",
		}),
		threadTraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "thread_traps_total",
			Help: "Spawned guest threads that ended in a trap.",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "spawn_failures_total",
			Help: "thread.spawn calls that returned a negative status.",
		}, []string{"status"}),
		partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "partitions_total",
			Help: "parallel_for partitions by outcome.",
		}, []string{"outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "parallel_for_calls_total",
			Help: "parallel_for calls by returned status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "parallel_for_duration_seconds",
			Help:    "Wall time of parallel_for calls from dispatch to join.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.threadsLive, m.threadsSpawned, m.threadTraps, m.spawnFailures, m.partitions, m.calls, m.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) threadStarted() {
	if m == nil {
		return
	}
	m.threadsSpawned.Inc()
	m.threadsLive.Inc()
}

func (m *Metrics) threadEnded(trapped bool) {
	if m == nil {
		return
	}
	m.threadsLive.Dec()
	if trapped {
		m.threadTraps.Inc()
	}
}

func (m *Metrics) spawnFailed(s Status) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) partition(outcome string, n int) {
	if m == nil {
		return
	}
	m.partitions.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) call(s Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(s.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
}
