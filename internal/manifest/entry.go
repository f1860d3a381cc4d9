// Package manifest reconciles the canonical annotation set with the
// normalized images and writes train/validation manifests.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

const (
	// LabelAttribute names the label attribute in every entry.
	LabelAttribute = "bounding-box"
	// TaskType is the metadata type of object detection ground truth.
	TaskType = "groundtruth/object-detection"
	// DateFormat is the creation-date layout, ISO-8601 UTC with trailing Z.
	DateFormat = "2006-01-02T15:04:05Z"
)

// Box is one clipped bounding box in integer pixels.
type Box struct {
	ClassID int `json:"class_id"`
	Left    int `json:"left"`
	Top     int `json:"top"`
	Width   int `json:"width"`
	Height  int `json:"height"`
}

// Area returns Width*Height.
func (b Box) Area() int {
	return b.Width * b.Height
}

// ImageSize is the pixel size of the referenced image.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Depth  int `json:"depth"`
}

// BoundingBox is the label attribute of an entry.
type BoundingBox struct {
	Annotations []Box       `json:"annotations"`
	ImageSize   []ImageSize `json:"image_size"`
}

// Object carries per-box metadata.
type Object struct {
	Confidence float64 `json:"confidence"`
}

// Metadata is the label attribute metadata of an entry.
type Metadata struct {
	Objects        []Object          `json:"objects"`
	ClassMap       map[string]string `json:"class-map"`
	HumanAnnotated string            `json:"human-annotated"`
	CreationDate   string            `json:"creation-date"`
	Type           string            `json:"type"`
	JobName        string            `json:"job-name"`
}

// Entry is one manifest line.
type Entry struct {
	SourceRef   string      `json:"source-ref"`
	BoundingBox BoundingBox `json:"bounding-box"`
	Metadata    Metadata    `json:"bounding-box-metadata"`
}

// ClassMap maps class indices "0".."N-1" to names.
func ClassMap(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for i, n := range names {
		m[strconv.Itoa(i)] = n
	}
	return m
}

// NewEntry builds the entry for one image.
func NewEntry(sourceRef string, boxes []Box, width, height int, classMap map[string]string, created time.Time) Entry {
	objects := make([]Object, len(boxes))
	for i := range objects {
		objects[i] = Object{Confidence: 1}
	}
	return Entry{
		SourceRef: sourceRef,
		BoundingBox: BoundingBox{
			Annotations: boxes,
			ImageSize:   []ImageSize{{Width: width, Height: height, Depth: 3}},
		},
		Metadata: Metadata{
			Objects:        objects,
			ClassMap:       classMap,
			HumanAnnotated: "yes",
			CreationDate:   created.UTC().Format(DateFormat),
			Type:           TaskType,
			JobName:        LabelAttribute,
		},
	}
}

// ClassIDs returns the distinct class ids present in the entry.
func (e Entry) ClassIDs() []int {
	seen := make(map[int]bool)
	var ids []int
	for _, b := range e.BoundingBox.Annotations {
		if !seen[b.ClassID] {
			seen[b.ClassID] = true
			ids = append(ids, b.ClassID)
		}
	}
	return ids
}

// KeepClasses returns e without the boxes whose class fails keep. The
// per-box metadata objects are dropped alongside.
func (e Entry) KeepClasses(keep func(id int) bool) Entry {
	var boxes []Box
	var objects []Object
	for i, b := range e.BoundingBox.Annotations {
		if !keep(b.ClassID) {
			continue
		}
		boxes = append(boxes, b)
		if i < len(e.Metadata.Objects) {
			objects = append(objects, e.Metadata.Objects[i])
		}
	}
	e.BoundingBox.Annotations = boxes
	e.Metadata.Objects = objects
	return e
}

// WriteLines writes entries as JSON lines.
func WriteLines(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", i, err)
		}
	}
	return nil
}
