package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics capability the core components consume. Calls
// are best-effort and never fail the caller. Scope is the emitting
// component or source id.
type Recorder interface {
	Count(scope, name string, delta int64)
	Timer(scope, name string, d time.Duration)
	Gauge(scope, name string, value float64)
}

// Metrics holds the spout's Prometheus metric families and implements
// Recorder on top of them.
type Metrics struct {
	EmittedTotal          *prometheus.CounterVec
	AckedTotal            *prometheus.CounterVec
	FailedTotal           *prometheus.CounterVec
	FilteredTotal         *prometheus.CounterVec
	DeserializationErrors *prometheus.CounterVec
	SidelinesTotal        *prometheus.CounterVec
	BufferDepth           *prometheus.GaugeVec
	ConsumerLag           *prometheus.GaugeVec
	FlushDuration         *prometheus.HistogramVec

	counters *prometheus.CounterVec
	timers   *prometheus.HistogramVec
	gauges   *prometheus.GaugeVec
}

// NewMetrics creates and registers all spout metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_emitted_total",
			Help: "Messages emitted to the host, by source.",
		}, []string{"source"}),

		AckedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_acked_total",
			Help: "Messages acknowledged by the host, by source.",
		}, []string{"source"}),

		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_failed_total",
			Help: "Messages failed by the host, by source.",
		}, []string{"source"}),

		FilteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_filtered_total",
			Help: "Records diverted by the filter chain, by source.",
		}, []string{"source"}),

		DeserializationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_deserialization_errors_total",
			Help: "Records dropped because deserialization returned nothing.",
		}, []string{"source"}),

		SidelinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_sidelines_total",
			Help: "Sideline requests processed, by action (start/stop/resume).",
		}, []string{"action"}),

		BufferDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shunt_buffer_depth",
			Help: "Messages waiting in the output buffer.",
		}, []string{"buffer"}),

		ConsumerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shunt_consumer_lag",
			Help: "Max lag behind the high watermark, by source.",
		}, []string{"source"}),

		FlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shunt_flush_duration_seconds",
			Help:    "Time spent flushing offsets to persistence.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		counters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shunt_events_total",
			Help: "Generic component event counts.",
		}, []string{"scope", "name"}),

		timers: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shunt_operation_duration_seconds",
			Help:    "Generic component operation timings.",
			Buckets: prometheus.DefBuckets,
		}, []string{"scope", "name"}),

		gauges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shunt_values",
			Help: "Generic component gauge values.",
		}, []string{"scope", "name"}),
	}
}

func (m *Metrics) Count(scope, name string, delta int64) {
	m.counters.WithLabelValues(scope, name).Add(float64(delta))
}

func (m *Metrics) Timer(scope, name string, d time.Duration) {
	m.timers.WithLabelValues(scope, name).Observe(d.Seconds())
}

func (m *Metrics) Gauge(scope, name string, value float64) {
	m.gauges.WithLabelValues(scope, name).Set(value)
}

// Noop is a Recorder that discards everything. Used when no registry is
// wired, and in tests.
type Noop struct{}

func (Noop) Count(string, string, int64) {}
func (Noop) Timer(string, string, time.Duration) {}
func (Noop) Gauge(string, string, float64) {}
