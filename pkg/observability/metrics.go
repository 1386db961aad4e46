// Package observability holds the Prometheus metrics and OpenTelemetry spans
// recorded by the capture agent.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CaptureMetrics holds all Prometheus metrics for the capture agent.
// A nil *CaptureMetrics is valid and records nothing.
type CaptureMetrics struct {
	// Document store
	StoreOperationsTotal *prometheus.CounterVec
	StoreOperationSecs   prometheus.Histogram
	StoreQueueDepth      prometheus.Gauge

	// Transcript
	UtterancesTotal *prometheus.CounterVec

	// Evidence extraction
	ExtractionsTotal    *prometheus.CounterVec
	ExtractionSeconds   prometheus.Histogram
	ExtractionsInFlight prometheus.Gauge
	EvidenceItemsTotal  *prometheus.CounterVec

	// Lifecycle
	TransitionsTotal *prometheus.CounterVec
	SDKEventsTotal   *prometheus.CounterVec

	// Finalize and upload
	PipelineStepsTotal *prometheus.CounterVec
	UploadBytesTotal   prometheus.Counter

	// Backend
	BackendRequestsTotal *prometheus.CounterVec
	BackendLatency       *prometheus.HistogramVec
}

// DefaultCaptureMetrics creates metrics registered with the default registerer.
func DefaultCaptureMetrics() *CaptureMetrics {
	return NewCaptureMetrics(prometheus.DefaultRegisterer)
}

// NewCaptureMetrics creates a new set of capture metrics.
func NewCaptureMetrics(reg prometheus.Registerer) *CaptureMetrics {
	factory := promauto.With(reg)

	return &CaptureMetrics{
		StoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_store_operations_total",
				Help: "Document store operations by outcome (written, unchanged, failed)",
			},
			[]string{"status"},
		),
		StoreOperationSecs: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_store_operation_seconds",
				Help:    "Time to apply and persist one document store operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		StoreQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_store_queue_depth",
				Help: "Operations waiting in the document store queue",
			},
		),
		UtterancesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_transcript_fragments_total",
				Help: "Transcript fragments ingested, by whether they merged into the previous utterance",
			},
			[]string{"result"},
		),
		ExtractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_extractions_total",
				Help: "Evidence extraction batches by status",
			},
			[]string{"status"},
		),
		ExtractionSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_extraction_seconds",
				Help:    "Evidence extraction call latency",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
		),
		ExtractionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_extractions_in_flight",
				Help: "Evidence extraction calls currently outstanding",
			},
		),
		EvidenceItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_evidence_items_total",
				Help: "Evidence items accumulated, by action (new, update)",
			},
			[]string{"action"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_lifecycle_transitions_total",
				Help: "Recording lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		SDKEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_sdk_events_total",
				Help: "Capture SDK events handled, by type and outcome (ok, rejected, failed)",
			},
			[]string{"type", "status"},
		),
		PipelineStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_pipeline_steps_total",
				Help: "Finalize and upload pipeline steps by outcome",
			},
			[]string{"step", "status"},
		),
		UploadBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_upload_bytes_total",
				Help: "Media bytes uploaded",
			},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_backend_requests_total",
				Help: "Backend API requests by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_backend_request_seconds",
				Help:    "Backend API request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"endpoint"},
		),
	}
}

// RecordStoreOperation records one applied store operation.
func (m *CaptureMetrics) RecordStoreOperation(status string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(status).Inc()
	m.StoreOperationSecs.Observe(seconds)
}

// SetStoreQueueDepth sets the number of queued store operations.
func (m *CaptureMetrics) SetStoreQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.StoreQueueDepth.Set(float64(depth))
}

// RecordFragment records an ingested transcript fragment.
func (m *CaptureMetrics) RecordFragment(merged bool) {
	if m == nil {
		return
	}
	result := "appended"
	if merged {
		result = "merged"
	}
	m.UtterancesTotal.WithLabelValues(result).Inc()
}

// ExtractionStarted marks an extraction call as outstanding.
func (m *CaptureMetrics) ExtractionStarted() {
	if m == nil {
		return
	}
	m.ExtractionsInFlight.Inc()
}

// ExtractionFinished records the outcome of an extraction call.
func (m *CaptureMetrics) ExtractionFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExtractionsInFlight.Dec()
	m.ExtractionsTotal.WithLabelValues(status).Inc()
	m.ExtractionSeconds.Observe(seconds)
}

// RecordEvidence records accumulated evidence items.
func (m *CaptureMetrics) RecordEvidence(action string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.EvidenceItemsTotal.WithLabelValues(action).Add(float64(count))
}

// RecordTransition records a lifecycle transition.
func (m *CaptureMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSDKEvent records one handled SDK event.
func (m *CaptureMetrics) RecordSDKEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.SDKEventsTotal.WithLabelValues(eventType, status).Inc()
}

// RecordPipelineStep records the outcome of a finalize/upload step.
func (m *CaptureMetrics) RecordPipelineStep(step, status string) {
	if m == nil {
		return
	}
	m.PipelineStepsTotal.WithLabelValues(step, status).Inc()
}

// RecordUploadBytes records uploaded media bytes.
func (m *CaptureMetrics) RecordUploadBytes(n int64) {
	if m == nil {
		return
	}
	m.UploadBytesTotal.Add(float64(n))
}

// RecordBackendRequest records a backend request.
func (m *CaptureMetrics) RecordBackendRequest(endpoint, code string, seconds float64) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, code).Inc()
	m.BackendLatency.WithLabelValues(endpoint).Observe(seconds)
}
