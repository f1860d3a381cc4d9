package dataset

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Document is a COCO annotation document.
type Document struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Image is one image record. FileName is the declared name, which may not
// match the stored key exactly.
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Category is one class. Names are unique within a canonical set.
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// Annotation is one bounding box as (left, top, width, height) in source pixels.
type Annotation struct {
	ID         int        `json:"id"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"`
	Area       float64    `json:"area"`
	IsCrowd    int        `json:"iscrowd"`
}

//go:embed coco.schema.json
var cocoSchemaJSON []byte

var (
	cocoSchemaOnce sync.Once
	cocoSchema     *jsonschema.Schema
	cocoSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	cocoSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource("coco.schema.json", bytes.NewReader(cocoSchemaJSON)); err != nil {
			cocoSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		cocoSchema, cocoSchemaErr = compiler.Compile("coco.schema.json")
		if cocoSchemaErr != nil {
			cocoSchemaErr = fmt.Errorf("compile schema: %w", cocoSchemaErr)
		}
	})
	return cocoSchema, cocoSchemaErr
}

// ParseDocument validates data against the COCO schema and decodes it.
// Any failure wraps ErrMalformedAnnotations.
func ParseDocument(data []byte) (*Document, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedAnnotations, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnnotations, err)
	}

	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeDocument decodes data without schema validation. Missing arrays
// decode as empty.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedAnnotations, err)
	}
	if doc.Images == nil {
		doc.Images = []Image{}
	}
	if doc.Annotations == nil {
		doc.Annotations = []Annotation{}
	}
	if doc.Categories == nil {
		doc.Categories = []Category{}
	}
	return &doc, nil
}

// CategoryNames returns category names ordered by id.
func (d *Document) CategoryNames() []string {
	byID := make(map[int]string, len(d.Categories))
	ids := make([]int, 0, len(d.Categories))
	for _, c := range d.Categories {
		if _, ok := byID[c.ID]; !ok {
			ids = append(ids, c.ID)
		}
		byID[c.ID] = c.Name
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = byID[id]
	}
	return names
}

// AnnotationsByImage groups annotations by image id, preserving order.
func (d *Document) AnnotationsByImage() map[int][]Annotation {
	out := make(map[int][]Annotation)
	for _, a := range d.Annotations {
		out[a.ImageID] = append(out[a.ImageID], a)
	}
	return out
}
