// Package metrics exports write statistics of the persistence engine in
// Prometheus format.
package metrics

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calvinalkan/jsonstate/pkg/store"
)

const namespace = "jsonstate"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the engine's collectors on a private registry, so several
// instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	writes     *prometheus.CounterVec
	coalesced  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.GaugeVec
	lastFailed *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Disk writes by file and result.",
		}, []string{"file", "result"}),
		coalesced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_updates_total",
			Help:      "Updates absorbed into a later write of the same file.",
		}, []string{"file"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time spent encoding and writing a file.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
		}, []string{"file"}),
		bytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "file_bytes",
			Help:      "Size of the last successful write.",
		}, []string{"file"}),
		lastFailed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_write_failed",
			Help:      "1 if the most recent write of the file failed.",
		}, []string{"file"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe records one write. Its signature matches
// [store.WriterConfig.AfterWrite].
func (m *Metrics) Observe(res store.WriteResult) {
	file := filepath.Base(res.Path)

	m.duration.WithLabelValues(file).Observe(res.Duration.Seconds())

	if res.Updates > 1 {
		m.coalesced.WithLabelValues(file).Add(float64(res.Updates - 1))
	}

	if res.Err != nil {
		m.writes.WithLabelValues(file, ResultError).Inc()
		m.lastFailed.WithLabelValues(file).Set(1)

		return
	}

	m.writes.WithLabelValues(file, ResultOK).Inc()
	m.lastFailed.WithLabelValues(file).Set(0)
	m.bytes.WithLabelValues(file).Set(float64(len(res.Data)))
}

// WriteToTextfile writes all metrics in the text exposition format, for
// node_exporter's textfile collector. The file is replaced atomically.
func (m *Metrics) WriteToTextfile(path string) error {
	err := prometheus.WriteToTextfile(path, m.registry)
	if err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	return nil
}
