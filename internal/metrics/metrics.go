// Package metrics provides Prometheus metrics for the curation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all curator metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// PipelineMetrics holds the pipeline's stage metrics. A nil *PipelineMetrics
// is valid and records nothing.
type PipelineMetrics struct {
	// Claim queue
	Archives *prometheus.CounterVec // labels: outcome (claimed, consumed, quarantined, lost_race)

	// Extraction and normalization
	ImagesExtracted  prometheus.Counter
	ImagesNormalized *prometheus.CounterVec // labels: result (processed, skipped, failed)

	// Manifest
	ManifestEntries *prometheus.CounterVec // labels: split
	ImagesDropped   *prometheus.CounterVec // labels: reason
	BoxesTrimmed    prometheus.Counter
	SizeFallbacks   prometheus.Counter

	// Orchestration
	StageDuration     *prometheus.HistogramVec // labels: stage
	TriggerErrors     *prometheus.CounterVec   // labels: stage
	LastSuccessfulRun *prometheus.GaugeVec     // labels: dataset
}

// InitMetrics registers the pipeline metrics on Registry with the given
// instance name as a constant label. Call it once per process.
func InitMetrics(instance string) *PipelineMetrics {
	constLabels := prometheus.Labels{
		"instance": instance,
	}

	return &PipelineMetrics{
		Archives: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "curator_archives_total",
			Help:        "Archives seen by the claim queue, by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		ImagesExtracted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "curator_images_extracted_total",
			Help:        "Images written to the raw prefix",
			ConstLabels: constLabels,
		}),
		ImagesNormalized: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "curator_images_normalized_total",
			Help:        "Images handled by the normalizer, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),

		ManifestEntries: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "curator_manifest_entries_total",
			Help:        "Manifest entries written, by split",
			ConstLabels: constLabels,
		}, []string{"split"}),
		ImagesDropped: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "curator_images_dropped_total",
			Help:        "Images excluded from the manifest, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		BoxesTrimmed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "curator_boxes_trimmed_total",
			Help:        "Boxes removed by the adaptive trim",
			ConstLabels: constLabels,
		}),
		SizeFallbacks: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "curator_size_fallbacks_total",
			Help:        "Images whose declared size was used because the stored asset could not be measured",
			ConstLabels: constLabels,
		}),

		StageDuration: promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "curator_stage_duration_seconds",
			Help:        "Stage run duration in seconds",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			ConstLabels: constLabels,
		}, []string{"stage"}),
		TriggerErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "curator_trigger_errors_total",
			Help:        "Failed stage triggers, by stage",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		LastSuccessfulRun: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "curator_last_successful_run_timestamp_seconds",
			Help:        "Unix time of the last orchestrated run that produced a manifest",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
	}
}

// Archive counts one claim queue outcome.
func (m *PipelineMetrics) Archive(outcome string) {
	if m == nil {
		return
	}
	m.Archives.WithLabelValues(outcome).Inc()
}

// Extracted counts images written by the extractor.
func (m *PipelineMetrics) Extracted(n int) {
	if m == nil {
		return
	}
	m.ImagesExtracted.Add(float64(n))
}

// Normalized counts normalizer results.
func (m *PipelineMetrics) Normalized(result string, n int) {
	if m == nil {
		return
	}
	m.ImagesNormalized.WithLabelValues(result).Add(float64(n))
}

// Manifest records the outcome of one manifest build.
func (m *PipelineMetrics) Manifest(train, val int, dropped map[string]int, trimmed, fallbacks int) {
	if m == nil {
		return
	}
	m.ManifestEntries.WithLabelValues("train").Add(float64(train))
	m.ManifestEntries.WithLabelValues("val").Add(float64(val))
	for reason, n := range dropped {
		m.ImagesDropped.WithLabelValues(reason).Add(float64(n))
	}
	m.BoxesTrimmed.Add(float64(trimmed))
	m.SizeFallbacks.Add(float64(fallbacks))
}

// ObserveStage records how long a stage took.
func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// TriggerFailed counts a failed stage trigger.
func (m *PipelineMetrics) TriggerFailed(stage string) {
	if m == nil {
		return
	}
	m.TriggerErrors.WithLabelValues(stage).Inc()
}

// RunSucceeded stamps the last successful run for dataset.
func (m *PipelineMetrics) RunSucceeded(dataset string, at time.Time) {
	if m == nil {
		return
	}
	m.LastSuccessfulRun.WithLabelValues(dataset).Set(float64(at.Unix()))
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
