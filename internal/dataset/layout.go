// Package dataset defines the storage layout of a curated dataset and its
// canonical COCO annotation set.
package dataset

import (
	"fmt"
	"path"
	"strings"
)

// Layout derives every object key belonging to one dataset.
type Layout struct {
	Dataset string
}

// NewLayout returns the layout for the named dataset.
func NewLayout(name string) Layout {
	return Layout{Dataset: name}
}

// Root returns "datasets/<name>/".
func (l Layout) Root() string { return "datasets/" + l.Dataset + "/" }

func (l Layout) RawImagesPrefix() string { return l.Root() + "raw/images/" }
func (l Layout) RawAnnotationsKey() string { return l.Root() + "raw/annotations/coco.json" }
func (l Layout) RawReadyKey() string { return l.Root() + "raw/_READY" }
func (l Layout) PreprocessedImagesPrefix() string { return l.Root() + "preprocessed/images/" }
func (l Layout) ReadyKey() string { return l.Root() + "preprocessed/_READY" }
func (l Layout) ManifestPrefix() string { return l.Root() + "manifest/" }
func (l Layout) TrainManifestKey() string { return l.ManifestPrefix() + "train.manifest" }
func (l Layout) ValManifestKey() string { return l.ManifestPrefix() + "val.manifest" }
func (l Layout) LabelsTxtKey() string { return l.ManifestPrefix() + "labels.txt" }
func (l Layout) LabelsJSONKey() string { return l.ManifestPrefix() + "labels.json" }
func (l Layout) LabelsIndexKey() string { return l.ManifestPrefix() + "labels_index.json" }
func (l Layout) ReportKey() string { return l.ManifestPrefix() + "validation_report.json" }

// RawImageKey returns the raw key for an image file name (base name only).
func (l Layout) RawImageKey(name string) string {
	return l.RawImagesPrefix() + BaseName(name)
}

// PreprocessedImageKey returns the normalized key for an image file name.
func (l Layout) PreprocessedImageKey(name string) string {
	return l.PreprocessedImagesPrefix() + BaseName(name)
}

// ValidName reports whether name can be used as a single key segment.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("dataset must be a single path segment, got %q", name)
	}
	return nil
}

// DatasetFromKey extracts <name> from a key shaped "datasets/<name>/...",
// returning fallback for any other key.
func DatasetFromKey(key, fallback string) string {
	parts := strings.Split(key, "/")
	if len(parts) >= 3 && parts[0] == "datasets" && parts[1] != "" {
		return parts[1]
	}
	return fallback
}

// BaseName strips any directory component, accepting both separators since
// archive entries built on Windows use backslashes.
func BaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Base(name)
}
