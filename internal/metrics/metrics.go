// Package metrics exposes Prometheus counters, histograms, and gauges
// for the Sentinel decoder and tbpublish encoder: encrypt/decrypt
// throughput, authorization round trips, blob-range fetches, the
// decoder state machine, and buffer-pool/hardware diagnostics.
//
// Grounded on the teacher's internal/metrics/metrics.go: the
// promauto.With(registry) construction idiom, the optional
// ExemplarAdder/ExemplarObserver trace-ID attachment pulled from
// go.opentelemetry.io/otel/trace via getExemplar, and the
// NewMetricsWithRegistry test-friendly constructor all survive
// unchanged; the S3-proxy-specific metric set (http_requests_total,
// s3_operations_total) is replaced by tbenc's own domain (encryption,
// authorization, blob fetch, decoder state), and a decoder_state gauge
// is added to mirror internal/tbenc/decrypt.Engine's observable state
// machine (spec §4.4).
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustbridge/tbenc/internal/tbenc/decrypt"
)

// defaultRegistry is the default Prometheus registry.
var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics for one process (Sentinel or tbpublish).
type Metrics struct {
	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec

	authzOperationsTotal *prometheus.CounterVec
	authzDuration        *prometheus.HistogramVec
	authzCacheHits       prometheus.Counter
	authzCacheMisses     prometheus.Counter

	blobFetchOperations *prometheus.CounterVec
	blobFetchDuration   *prometheus.HistogramVec
	blobFetchErrors     *prometheus.CounterVec

	kmipOperations *prometheus.CounterVec
	kmipErrors     *prometheus.CounterVec

	decoderState *prometheus.GaugeVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance registered against the
// default (process-wide) Prometheus registerer.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry, to avoid duplicate-registration panics across test cases.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_operations_total",
				Help: "Total number of encrypt/decrypt operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tbenc_operation_duration_seconds",
				Help:    "Encrypt/decrypt operation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_operation_errors_total",
				Help: "Total number of encrypt/decrypt errors by error kind",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_plaintext_bytes_total",
				Help: "Total plaintext bytes encrypted or decrypted",
			},
			[]string{"operation"},
		),
		authzOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_authorization_requests_total",
				Help: "Total number of authorization collaborator requests",
			},
			[]string{"status"}, // "authorized" or "denied"
		),
		authzDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tbenc_authorization_duration_seconds",
				Help:    "Authorization round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		authzCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tbenc_authorization_cache_hits_total",
			Help: "Authorization requests served from the Redis grant cache",
		}),
		authzCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tbenc_authorization_cache_misses_total",
			Help: "Authorization requests that required a collaborator round trip",
		}),
		blobFetchOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_blob_fetch_operations_total",
				Help: "Total number of ciphertext range-fetch operations",
			},
			[]string{"source"}, // "http" or "s3"
		),
		blobFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tbenc_blob_fetch_duration_seconds",
				Help:    "Ciphertext range-fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		blobFetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_blob_fetch_errors_total",
				Help: "Total number of ciphertext range-fetch errors",
			},
			[]string{"source", "error_type"},
		),
		kmipOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_kmip_operations_total",
				Help: "Total number of KMIP wrap/unwrap operations",
			},
			[]string{"operation"}, // "wrap" or "unwrap"
		),
		kmipErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_kmip_errors_total",
				Help: "Total number of KMIP operation errors",
			},
			[]string{"operation"},
		),
		decoderState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tbenc_decoder_state",
				Help: "1 for the decoder's current state, 0 otherwise, labeled by state name",
			},
			[]string{"state"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tbenc_buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tbenc_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tbenc_memory_alloc_bytes",
			Help: "Number of bytes allocated and not yet freed",
		}),
		memorySysBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tbenc_memory_sys_bytes",
			Help: "Total bytes of memory obtained from OS",
		}),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tbenc_hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// RecordOperation records one encrypt or decrypt operation.
func (m *Metrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.encryptionOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.encryptionOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.encryptionDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.encryptionOperations.WithLabelValues(operation).Inc()
		m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordOperationError records an encrypt/decrypt error.
func (m *Metrics) RecordOperationError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordAuthorization records one authorization collaborator round trip.
func (m *Metrics) RecordAuthorization(status string, duration time.Duration) {
	m.authzOperationsTotal.WithLabelValues(status).Inc()
	m.authzDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAuthorizationCacheHit records that a request was served from the
// Redis-backed grant cache without a collaborator round trip.
func (m *Metrics) RecordAuthorizationCacheHit() { m.authzCacheHits.Inc() }

// RecordAuthorizationCacheMiss records that a request required a
// collaborator round trip (lock acquired or waited-for result).
func (m *Metrics) RecordAuthorizationCacheMiss() { m.authzCacheMisses.Inc() }

// RecordBlobFetch records one ciphertext range-fetch operation.
func (m *Metrics) RecordBlobFetch(source string, duration time.Duration) {
	m.blobFetchOperations.WithLabelValues(source).Inc()
	m.blobFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordBlobFetchError records a ciphertext range-fetch error.
func (m *Metrics) RecordBlobFetchError(source, errorType string) {
	m.blobFetchErrors.WithLabelValues(source, errorType).Inc()
}

// RecordKMIPOperation records one KMIP wrap/unwrap call.
func (m *Metrics) RecordKMIPOperation(operation string) {
	m.kmipOperations.WithLabelValues(operation).Inc()
}

// RecordKMIPError records a KMIP wrap/unwrap failure.
func (m *Metrics) RecordKMIPError(operation string) {
	m.kmipErrors.WithLabelValues(operation).Inc()
}

// SetDecoderState sets the decoder_state gauge so exactly one state
// label reads 1 and all others read 0, mirroring decrypt.Engine.State().
func (m *Metrics) SetDecoderState(s decrypt.State) {
	for st := decrypt.StateInit; st <= decrypt.StateFailed; st++ {
		v := 0.0
		if st == s {
			v = 1.0
		}
		m.decoderState.WithLabelValues(st.String()).Set(v)
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from ctx and returns Prometheus
// exemplar labels, or nil if ctx carries no valid span.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
