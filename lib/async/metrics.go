package async

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopMetrics captures per-loop queue depth, throughput, panics and task latency.
type LoopMetrics struct {
	depth    *prometheus.GaugeVec
	executed *prometheus.CounterVec
	inline   *prometheus.CounterVec
	panics   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewLoopMetrics constructs metrics instruments registered against the supplied registerer.
func NewLoopMetrics(reg prometheus.Registerer) *LoopMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &LoopMetrics{
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "livebus",
				Subsystem: "loop",
				Name:      "queue_depth",
				Help:      "Number of tasks waiting for the dispatch loop.",
			},
			[]string{"loop"},
		),
		executed: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "livebus",
				Subsystem: "loop",
				Name:      "tasks_total",
				Help:      "Total number of queued tasks executed by the dispatch loop.",
			},
			[]string{"loop"},
		),
		inline: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "livebus",
				Subsystem: "loop",
				Name:      "inline_total",
				Help:      "Total number of tasks executed inline by callers already on the loop.",
			},
			[]string{"loop"},
		),
		panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "livebus",
				Subsystem: "loop",
				Name:      "panics_total",
				Help:      "Total number of task panics recovered by the dispatch loop.",
			},
			[]string{"loop"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "livebus",
				Subsystem: "loop",
				Name:      "task_seconds",
				Help:      "Histogram of task execution durations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"loop"},
		),
	}
	m.depth = register(reg, m.depth)
	m.executed = register(reg, m.executed)
	m.inline = register(reg, m.inline)
	m.panics = register(reg, m.panics)
	m.duration = register(reg, m.duration)
	return m
}

// register reuses an identical collector already present in reg so several loops
// can share the default registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *LoopMetrics) setDepth(loop string, depth int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(loop).Set(float64(depth))
}

func (m *LoopMetrics) observeExecuted(loop string) {
	if m == nil {
		return
	}
	m.executed.WithLabelValues(loop).Inc()
}

func (m *LoopMetrics) observeInline(loop string) {
	if m == nil {
		return
	}
	m.inline.WithLabelValues(loop).Inc()
}

func (m *LoopMetrics) observePanic(loop string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(loop).Inc()
}

func (m *LoopMetrics) observeDuration(loop string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.duration.WithLabelValues(loop).Observe(d.Seconds())
}

// DepthGauge exposes the queue depth gauge for testing and diagnostics.
func (m *LoopMetrics) DepthGauge(loop string) prometheus.Gauge {
	return m.depth.WithLabelValues(loop)
}

// ExecutedCounter exposes the executed-task counter for testing and diagnostics.
func (m *LoopMetrics) ExecutedCounter(loop string) prometheus.Counter {
	return m.executed.WithLabelValues(loop)
}

// InlineCounter exposes the inline-execution counter for testing and diagnostics.
func (m *LoopMetrics) InlineCounter(loop string) prometheus.Counter {
	return m.inline.WithLabelValues(loop)
}

// PanicCounter exposes the panic counter for testing and diagnostics.
func (m *LoopMetrics) PanicCounter(loop string) prometheus.Counter {
	return m.panics.WithLabelValues(loop)
}
