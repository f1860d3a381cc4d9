// Package testutil provides shared test fixtures for curator tests: synthetic
// images, zip archives and COCO annotation documents.
package testutil

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "curator-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / max(w, 1)), G: uint8(y * 255 / max(h, 1)), B: 128, A: 255})
		}
	}
	return img
}

// JPEG encodes a w×h gradient image as JPEG.
func JPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNG encodes a w×h gradient image as PNG.
func PNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// ZipEntry is one file in a synthetic archive. A name ending in "/" is a directory.
type ZipEntry struct {
	Name string
	Data []byte
}

// Zip builds an in-memory zip archive from entries, preserving order.
func Zip(t *testing.T, entries ...ZipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			t.Fatalf("write zip entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// COCOImage, COCOAnnotation and COCOCategory mirror the COCO JSON layout.
type COCOImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type COCOAnnotation struct {
	ID         int        `json:"id"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Area       float64    `json:"area,omitempty"`
	IsCrowd    int        `json:"iscrowd"`
}

type COCOCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// COCO builds a COCO document incrementally.
type COCO struct {
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

// Category adds a category and returns the builder.
func (c *COCO) Category(id int, name string) *COCO {
	c.Categories = append(c.Categories, COCOCategory{ID: id, Name: name})
	return c
}

// Image adds an image record and returns the builder.
func (c *COCO) Image(id int, fileName string, w, h int) *COCO {
	c.Images = append(c.Images, COCOImage{ID: id, FileName: fileName, Width: w, Height: h})
	return c
}

// Box adds an annotation with the next free id and returns the builder.
func (c *COCO) Box(imageID, categoryID int, x, y, w, h float64) *COCO {
	c.Annotations = append(c.Annotations, COCOAnnotation{
		ID:         len(c.Annotations) + 1,
		ImageID:    imageID,
		CategoryID: categoryID,
		BBox:       [4]float64{x, y, w, h},
	})
	return c
}

// JSON marshals the document.
func (c *COCO) JSON(t *testing.T) []byte {
	t.Helper()
	if c.Images == nil {
		c.Images = []COCOImage{}
	}
	if c.Annotations == nil {
		c.Annotations = []COCOAnnotation{}
	}
	if c.Categories == nil {
		c.Categories = []COCOCategory{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal coco: %v", err)
	}
	return data
}
