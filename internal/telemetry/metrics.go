// Package telemetry adapts the teacher's Prometheus metrics and OpenTelemetry
// tracing plumbing to this tool's container/stream/crypto operations instead
// of HTTP requests and S3 calls.
package telemetry

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableStreamLabel bool
}

// Metrics holds every metric this tool exports.
type Metrics struct {
	config Config

	containerOperationsTotal *prometheus.CounterVec
	containerOperationErrors *prometheus.CounterVec

	streamOperationsTotal   *prometheus.CounterVec
	streamOperationDuration *prometheus.HistogramVec
	streamOperationBytes    *prometheus.CounterVec
	streamOperationErrors   *prometheus.CounterVec

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec

	verifyOperationsTotal   *prometheus.CounterVec
	verifyOperationDuration *prometheus.HistogramVec

	dedupChunksTotal    prometheus.Counter
	dedupChunksDeduped  prometheus.Counter
	rotatedKeyReads     *prometheus.CounterVec
	bufferPoolHits      *prometheus.CounterVec
	bufferPoolMisses    *prometheus.CounterVec

	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry, Config{EnableStreamLabel: true})
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry, avoiding registration conflicts across tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableStreamLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		containerOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_container_operations_total", Help: "Total number of container create/open/close operations"},
			[]string{"operation"},
		),
		containerOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_container_operation_errors_total", Help: "Total number of container operation errors"},
			[]string{"operation", "error_type"},
		),
		streamOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_stream_operations_total", Help: "Total number of stream read/write operations"},
			[]string{"operation", "stream_type"},
		),
		streamOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "aff4_stream_operation_duration_seconds", Help: "Stream operation duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"operation", "stream_type"},
		),
		streamOperationBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_stream_operation_bytes_total", Help: "Total bytes read or written across stream operations"},
			[]string{"operation", "stream_type"},
		),
		streamOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_stream_operation_errors_total", Help: "Total number of stream operation errors"},
			[]string{"operation", "stream_type", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_encryption_operations_total", Help: "Total number of chunk encrypt/decrypt operations"},
			[]string{"operation"},
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "aff4_encryption_duration_seconds", Help: "Chunk encrypt/decrypt duration in seconds", Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_encryption_errors_total", Help: "Total number of encrypt/decrypt errors"},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_encryption_bytes_total", Help: "Total bytes encrypted or decrypted"},
			[]string{"operation"},
		),
		verifyOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_verify_operations_total", Help: "Total number of linear hash verification passes"},
			[]string{"algorithm"},
		),
		verifyOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "aff4_verify_operation_duration_seconds", Help: "Verification pass duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"algorithm"},
		),
		dedupChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "aff4_dedup_chunks_total", Help: "Total number of content-defined chunks processed by the deduplicating writer"},
		),
		dedupChunksDeduped: factory.NewCounter(
			prometheus.CounterOpts{Name: "aff4_dedup_chunks_deduped_total", Help: "Total number of chunks that matched an existing hash and were not stored again"},
		),
		rotatedKeyReads: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_kms_rotated_reads_total", Help: "Total number of key-unwrap operations using a non-active key version"},
			[]string{"key_version", "active_version"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_buffer_pool_hits_total", Help: "Total number of chunk buffer pool hits"},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "aff4_buffer_pool_misses_total", Help: "Total number of chunk buffer pool misses"},
			[]string{"size_class"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{Name: "aff4_goroutines", Help: "Number of goroutines"},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "aff4_memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "aff4_memory_sys_bytes", Help: "Total bytes of memory obtained from the OS"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "aff4_hardware_acceleration_enabled", Help: "Hardware acceleration status (1=enabled, 0=disabled)"},
			[]string{"type"},
		),
	}
}

func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// RecordContainerOperation records a container create/open/close operation.
func (m *Metrics) RecordContainerOperation(ctx context.Context, operation string) {
	withExemplarCounter(ctx, m.containerOperationsTotal.WithLabelValues(operation))
}

// RecordContainerError records a container operation error.
func (m *Metrics) RecordContainerError(operation, errorType string) {
	m.containerOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordStreamOperation records a stream read/write operation.
func (m *Metrics) RecordStreamOperation(ctx context.Context, operation, streamType string, duration time.Duration, bytes int64) {
	label := streamType
	if !m.config.EnableStreamLabel {
		label = "*"
	}
	withExemplarCounter(ctx, m.streamOperationsTotal.WithLabelValues(operation, label))
	withExemplarObserver(ctx, m.streamOperationDuration.WithLabelValues(operation, label), duration.Seconds())
	m.streamOperationBytes.WithLabelValues(operation, label).Add(float64(bytes))
}

// RecordStreamError records a stream operation error.
func (m *Metrics) RecordStreamError(operation, streamType, errorType string) {
	m.streamOperationErrors.WithLabelValues(operation, streamType, errorType).Inc()
}

// RecordEncryptionOperation records a chunk encrypt/decrypt operation.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	withExemplarCounter(ctx, m.encryptionOperations.WithLabelValues(operation))
	withExemplarObserver(ctx, m.encryptionDuration.WithLabelValues(operation), duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records a chunk encrypt/decrypt error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordVerifyOperation records a linear hash verification pass.
func (m *Metrics) RecordVerifyOperation(algorithm string, duration time.Duration) {
	m.verifyOperationsTotal.WithLabelValues(algorithm).Inc()
	m.verifyOperationDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
}

// RecordDedupChunk records one chunk processed by the deduplicating writer,
// and whether it matched an existing hash.
func (m *Metrics) RecordDedupChunk(deduped bool) {
	m.dedupChunksTotal.Inc()
	if deduped {
		m.dedupChunksDeduped.Inc()
	}
}

// RecordRotatedKeyRead records a key-unwrap using a non-active key version.
func (m *Metrics) RecordRotatedKeyRead(keyVersion, activeVersion int) {
	m.rotatedKeyReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
}

func (m *Metrics) RecordBufferPoolHit(sizeClass string)  { m.bufferPoolHits.WithLabelValues(sizeClass).Inc() }
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) { m.bufferPoolMisses.WithLabelValues(sizeClass).Inc() }

// UpdateSystemMetrics updates goroutine and memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector periodically refreshes system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for a metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func withExemplarCounter(ctx context.Context, c prometheus.Counter) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	c.Inc()
}

func withExemplarObserver(ctx context.Context, o prometheus.Observer, v float64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := o.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(v, exemplar)
			return
		}
	}
	o.Observe(v)
}

// getExemplar extracts a trace ID from ctx for exemplar attachment.
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
