package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// freshRegistry swaps in an empty registry for the duration of the test.
func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func findMetric(t *testing.T, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("test-host")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"Archives", m.Archives},
		{"ImagesExtracted", m.ImagesExtracted},
		{"ImagesNormalized", m.ImagesNormalized},
		{"ManifestEntries", m.ManifestEntries},
		{"ImagesDropped", m.ImagesDropped},
		{"BoxesTrimmed", m.BoxesTrimmed},
		{"SizeFallbacks", m.SizeFallbacks},
		{"StageDuration", m.StageDuration},
		{"TriggerErrors", m.TriggerErrors},
		{"LastSuccessfulRun", m.LastSuccessfulRun},
	}
	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestArchiveOutcomes(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-host")

	m.Archive("claimed")
	m.Archive("claimed")
	m.Archive("quarantined")

	got := findMetric(t, "curator_archives_total", map[string]string{"outcome": "claimed", "instance": "test-host"})
	if got == nil {
		t.Fatal("curator_archives_total{outcome=claimed} not found")
	}
	if v := got.GetCounter().GetValue(); v != 2 {
		t.Errorf("Expected claimed=2, got %f", v)
	}
}

func TestManifestMetrics(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-host")

	m.Manifest(90, 10, map[string]int{"unmatched": 3, "no-boxes": 1}, 7, 2)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"curator_manifest_entries_total", map[string]string{"split": "train"}, 90},
		{"curator_manifest_entries_total", map[string]string{"split": "val"}, 10},
		{"curator_images_dropped_total", map[string]string{"reason": "unmatched"}, 3},
		{"curator_images_dropped_total", map[string]string{"reason": "no-boxes"}, 1},
		{"curator_boxes_trimmed_total", nil, 7},
		{"curator_size_fallbacks_total", nil, 2},
	}
	for _, tt := range tests {
		got := findMetric(t, tt.name, tt.labels)
		if got == nil {
			t.Errorf("%s%v not found", tt.name, tt.labels)
			continue
		}
		if v := got.GetCounter().GetValue(); v != tt.want {
			t.Errorf("%s%v = %f, want %f", tt.name, tt.labels, v, tt.want)
		}
	}
}

func TestStageAndRunMetrics(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-host")

	m.ObserveStage("extract", 2*time.Second)
	m.TriggerFailed("validate")
	at := time.Unix(1700000000, 0)
	m.RunSucceeded("skin", at)

	h := findMetric(t, "curator_stage_duration_seconds", map[string]string{"stage": "extract"})
	if h == nil || h.GetHistogram().GetSampleCount() != 1 {
		t.Error("Expected one extract duration sample")
	}
	g := findMetric(t, "curator_last_successful_run_timestamp_seconds", map[string]string{"dataset": "skin"})
	if g == nil || g.GetGauge().GetValue() != float64(at.Unix()) {
		t.Error("Expected last successful run timestamp for skin")
	}
	c := findMetric(t, "curator_trigger_errors_total", map[string]string{"stage": "validate"})
	if c == nil || c.GetCounter().GetValue() != 1 {
		t.Error("Expected one validate trigger error")
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *PipelineMetrics
	m.Archive("claimed")
	m.Extracted(3)
	m.Normalized("processed", 1)
	m.Manifest(1, 1, map[string]int{"x": 1}, 1, 1)
	m.ObserveStage("extract", time.Second)
	m.TriggerFailed("manifest")
	m.RunSucceeded("d", time.Now())
}
