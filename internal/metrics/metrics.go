// Package metrics provides Prometheus metrics for the RBE reporter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the RBE reporter.
type Metrics struct {
	// Operation metrics
	OperationsReported *prometheus.CounterVec
	OutputsCollected   *prometheus.CounterVec

	// Blob metrics
	BlobsUploaded prometheus.Counter
	BlobsSkipped  prometheus.Counter
	BytesUploaded prometheus.Counter

	// Timing metrics
	TreeBuildDuration prometheus.Histogram
	UploadDuration    prometheus.Histogram
	ReportDuration    *prometheus.HistogramVec

	// Size metrics
	TreeDirectories prometheus.Histogram

	// Pipeline metrics
	InFlightOperations prometheus.Gauge
	QueueDepth         prometheus.Gauge

	// Lease metrics
	Heartbeats *prometheus.CounterVec
	LeasesLost *prometheus.CounterVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on
// the default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates a metric set registered on reg without touching the global
// instance.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "rbe_reporter"
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsReported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_reported_total",
				Help:      "Total number of operations that left the report stage",
			},
			[]string{"stage", "outcome"},
		),
		OutputsCollected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outputs_collected_total",
				Help:      "Declared outputs by what was found on disk",
			},
			[]string{"kind"},
		),
		BlobsUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blobs_uploaded_total",
				Help:      "Total number of blobs written to the CAS",
			},
		),
		BlobsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blobs_skipped_total",
				Help:      "Total number of blobs already present in the CAS",
			},
		),
		BytesUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_uploaded_total",
				Help:      "Total uncompressed bytes written to the CAS",
			},
		),
		TreeBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tree_build_duration_seconds",
				Help:      "Time to walk and digest the outputs of one action",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
		UploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload one batch of blobs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		ReportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_duration_seconds",
				Help:      "Total time spent in the report stage per operation",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			[]string{"stage"},
		),
		TreeDirectories: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tree_directories",
				Help:      "Number of directories per output tree",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~2k
			},
		),
		InFlightOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_operations",
				Help:      "Number of operations currently being reported",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of operations waiting for a slot",
			},
		),
		Heartbeats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Lease heartbeats by result",
			},
			[]string{"stage", "result"},
		),
		LeasesLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_lost_total",
				Help:      "Operations whose lease expired or was taken over",
			},
			[]string{"stage"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of failed blob batches",
			},
			[]string{"backend"},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Total number of errors handing operations downstream",
			},
			[]string{"sink"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Stage     string
	Outcome   string
	Kind      string
	Backend   string
	Operation string
	Result    string
	Sink      string
}

// IncOperationsReported counts an operation leaving the stage.
func (m *Metrics) IncOperationsReported(l Labels) {
	m.OperationsReported.WithLabelValues(l.Stage, l.Outcome).Inc()
}

// IncOutputsCollected counts a declared output by kind.
func (m *Metrics) IncOutputsCollected(l Labels) {
	m.OutputsCollected.WithLabelValues(l.Kind).Inc()
}

// AddBlobsUploaded adds to the uploaded blobs counter.
func (m *Metrics) AddBlobsUploaded(count float64) {
	m.BlobsUploaded.Add(count)
}

// AddBlobsSkipped adds to the skipped blobs counter.
func (m *Metrics) AddBlobsSkipped(count float64) {
	m.BlobsSkipped.Add(count)
}

// AddBytesUploaded adds to the uploaded bytes counter.
func (m *Metrics) AddBytesUploaded(bytes float64) {
	m.BytesUploaded.Add(bytes)
}

// ObserveTreeBuildDuration records the output walk time.
func (m *Metrics) ObserveTreeBuildDuration(seconds float64) {
	m.TreeBuildDuration.Observe(seconds)
}

// ObserveUploadDuration records the batch upload time.
func (m *Metrics) ObserveUploadDuration(seconds float64) {
	m.UploadDuration.Observe(seconds)
}

// ObserveReportDuration records the total time of one tick.
func (m *Metrics) ObserveReportDuration(l Labels, seconds float64) {
	m.ReportDuration.WithLabelValues(l.Stage).Observe(seconds)
}

// ObserveTreeDirectories records the number of directories in a tree.
func (m *Metrics) ObserveTreeDirectories(count float64) {
	m.TreeDirectories.Observe(count)
}

// SetInFlightOperations sets the number of in-flight operations.
func (m *Metrics) SetInFlightOperations(count float64) {
	m.InFlightOperations.Set(count)
}

// SetQueueDepth sets the current queue depth.
func (m *Metrics) SetQueueDepth(depth float64) {
	m.QueueDepth.Set(depth)
}

// IncHeartbeats counts a heartbeat by result.
func (m *Metrics) IncHeartbeats(l Labels) {
	m.Heartbeats.WithLabelValues(l.Stage, l.Result).Inc()
}

// IncLeasesLost counts a lost lease.
func (m *Metrics) IncLeasesLost(l Labels) {
	m.LeasesLost.WithLabelValues(l.Stage).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}

// IncSinkErrors increments the sink errors counter.
func (m *Metrics) IncSinkErrors(l Labels) {
	m.SinkErrors.WithLabelValues(l.Sink).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}
