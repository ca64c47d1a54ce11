package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ExportOutcomeSent    = "sent"
	ExportOutcomeFailed  = "failed"
	ExportOutcomeSkipped = "skipped"

	ExportFailureReasonTransient  = "transient"
	ExportFailureReasonPermanent  = "permanent"
	ExportFailureReasonConfig     = "configuration"
	ExportFailureReasonStateStore = "state_store"
)

// ExporterMetrics captures export pipeline health signals: window
// throughput, send latency, skipped records, and failure classes.
type ExporterMetrics struct {
	windows       *prometheus.CounterVec
	records       prometheus.Counter
	skipped       prometheus.Counter
	failures      *prometheus.CounterVec
	sendDuration  prometheus.Observer
	cycleDuration prometheus.Observer
}

var (
	exporterMetricsOnce sync.Once
	exporterMetrics     *ExporterMetrics
)

// Exporter returns the singleton exporter metrics registry.
func Exporter() *ExporterMetrics {
	exporterMetricsOnce.Do(func() {
		exporterMetrics = newExporterMetrics(prometheus.DefaultRegisterer)
	})
	return exporterMetrics
}

// ResetExporterMetricsForTest resets the exporter metrics singleton for tests.
func ResetExporterMetricsForTest() {
	exporterMetricsOnce = sync.Once{}
	exporterMetrics = nil
}

func newExporterMetrics(registerer prometheus.Registerer) *ExporterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	windows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterline_export_windows_total",
		Help: "Export windows processed by outcome.",
	}, []string{"outcome"})
	records := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meterline_export_records_total",
		Help: "Billing records delivered to the cost sink.",
	})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meterline_export_records_skipped_total",
		Help: "Usage records skipped because they could not be tagged or translated.",
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterline_export_failures_total",
		Help: "Export failures by low-cardinality reason.",
	}, []string{"reason"})
	sendDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterline_export_send_duration_seconds",
		Help:    "Remote send latency including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterline_export_cycle_duration_seconds",
		Help:    "Scheduled export cycle latency across all windows.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	for _, collector := range []prometheus.Collector{
		windows, records, skipped, failures, sendDuration, cycleDuration,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &ExporterMetrics{
		windows:       windows,
		records:       records,
		skipped:       skipped,
		failures:      failures,
		sendDuration:  sendDuration,
		cycleDuration: cycleDuration,
	}
}

func (m *ExporterMetrics) ObserveWindow(outcome string) {
	m.windows.WithLabelValues(outcome).Inc()
}

func (m *ExporterMetrics) AddRecords(n int) {
	m.records.Add(float64(n))
}

func (m *ExporterMetrics) AddSkipped(n int) {
	if n > 0 {
		m.skipped.Add(float64(n))
	}
}

func (m *ExporterMetrics) ObserveFailure(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}

func (m *ExporterMetrics) ObserveSendDuration(d time.Duration) {
	m.sendDuration.Observe(d.Seconds())
}

func (m *ExporterMetrics) ObserveCycleDuration(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}
