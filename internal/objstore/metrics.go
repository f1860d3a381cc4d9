package objstore

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeMetricsOnce     sync.Once
	storeMetricsInstance *StoreMetrics
)

// StoreMetrics holds Prometheus metrics for object store requests.
type StoreMetrics struct {
	RequestsTotal   *prometheus.CounterVec   // curator_store_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // curator_store_request_duration_seconds{operation}
	BytesUploaded   prometheus.Counter       // curator_store_bytes_uploaded_total
	BytesDownloaded prometheus.Counter       // curator_store_bytes_downloaded_total
}

// InitStoreMetrics initializes the store metrics. Metrics are only
// registered once; subsequent calls return the same instance.
func InitStoreMetrics(registry prometheus.Registerer) *StoreMetrics {
	storeMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		storeMetricsInstance = &StoreMetrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "curator_store_requests_total",
				Help: "Total object store requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "curator_store_request_duration_seconds",
				Help:    "Object store request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "curator_store_bytes_uploaded_total",
				Help: "Total bytes written to the object store",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "curator_store_bytes_downloaded_total",
				Help: "Total bytes read from the object store",
			}),
		}
	})
	return storeMetricsInstance
}

// RecordRequest records a request metric.
func (m *StoreMetrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes written.
func (m *StoreMetrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes read.
func (m *StoreMetrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}
