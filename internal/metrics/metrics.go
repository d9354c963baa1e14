package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sovereign"

// Metrics groups the engine's collectors. All methods are safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	writes           *prometheus.CounterVec
	writeDuration    prometheus.Histogram
	snapshots        prometheus.Counter
	snapshotDuration prometheus.Histogram
	recoveries       *prometheus.CounterVec
	recoveryDuration prometheus.Histogram
	danglingIntents  prometheus.Counter
	corruptRecords   prometheus.Counter
	entries          prometheus.Gauge
	walSequence      prometheus.Gauge
	integrityOK      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Committed mutations by operation",
		}, []string{"op"}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time to journal and apply one mutation",
			Buckets:   []float64{.0001, .00025, .0005, .001, .002, .005, .01, .025, .1},
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots created",
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to write a snapshot including WAL truncation",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery runs by result",
		}, []string{"result"}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "End-to-end recovery time",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5},
		}),
		danglingIntents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dangling_intents_total",
			Help:      "Interrupted operations skipped during recovery",
		}),
		corruptRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_wal_records_total",
			Help:      "Unparseable WAL lines skipped during recovery",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Keys currently held",
		}),
		walSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_sequence",
			Help:      "Last assigned WAL sequence number",
		}),
		integrityOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_ok",
			Help:      "1 when the last integrity check passed, 0 otherwise",
		}),
	}

	reg.MustRegister(
		m.writes,
		m.writeDuration,
		m.snapshots,
		m.snapshotDuration,
		m.recoveries,
		m.recoveryDuration,
		m.danglingIntents,
		m.corruptRecords,
		m.entries,
		m.walSequence,
		m.integrityOK,
	)
	return m
}

// NewRegistry returns a registry with the engine collectors plus the Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) ObserveWrite(op string, took time.Duration, entries int, seq uint64) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op).Inc()
	m.writeDuration.Observe(took.Seconds())
	m.entries.Set(float64(entries))
	m.walSequence.Set(float64(seq))
}

func (m *Metrics) ObserveSnapshot(took time.Duration) {
	if m == nil {
		return
	}
	m.snapshots.Inc()
	m.snapshotDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveRecovery(success bool, took time.Duration, dangling, corrupt, entries int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.recoveries.WithLabelValues(result).Inc()
	m.recoveryDuration.Observe(took.Seconds())
	m.danglingIntents.Add(float64(dangling))
	m.corruptRecords.Add(float64(corrupt))
	if success {
		m.entries.Set(float64(entries))
	}
}

func (m *Metrics) SetIntegrity(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.integrityOK.Set(1)
	} else {
		m.integrityOK.Set(0)
	}
}
