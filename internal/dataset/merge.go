package dataset

import "fmt"

// Merge combines the annotation documents of one archive (typically its
// train/valid/test splits) into a single canonical set.
//
// Categories are joined by name in first-seen order and renumbered 1..N.
// Images and annotations get dense ids in input order with references
// rewritten, so overlapping ids across inputs never collide. File names are
// reduced to their base name. A missing or zero area becomes w*h.
func Merge(docs ...*Document) (*Document, error) {
	out := &Document{
		Images:      []Image{},
		Annotations: []Annotation{},
		Categories:  []Category{},
	}

	nameToID := make(map[string]int)
	for _, d := range docs {
		for _, c := range d.Categories {
			if _, ok := nameToID[c.Name]; ok {
				continue
			}
			id := len(out.Categories) + 1
			nameToID[c.Name] = id
			super := c.Supercategory
			if super == "" {
				super = c.Name
			}
			out.Categories = append(out.Categories, Category{ID: id, Name: c.Name, Supercategory: super})
		}
	}

	for i, d := range docs {
		catMap := make(map[int]int, len(d.Categories))
		for _, c := range d.Categories {
			catMap[c.ID] = nameToID[c.Name]
		}

		imgMap := make(map[int]int, len(d.Images))
		for _, im := range d.Images {
			id := len(out.Images) + 1
			imgMap[im.ID] = id
			out.Images = append(out.Images, Image{
				ID:       id,
				FileName: BaseName(im.FileName),
				Width:    im.Width,
				Height:   im.Height,
			})
		}

		for _, a := range d.Annotations {
			imgID, ok := imgMap[a.ImageID]
			if !ok {
				return nil, fmt.Errorf("%w: document %d: annotation %d references unknown image %d",
					ErrMalformedAnnotations, i, a.ID, a.ImageID)
			}
			catID, ok := catMap[a.CategoryID]
			if !ok {
				return nil, fmt.Errorf("%w: document %d: annotation %d references unknown category %d",
					ErrMalformedAnnotations, i, a.ID, a.CategoryID)
			}
			area := a.Area
			if area <= 0 {
				area = max(a.BBox[2], 0) * max(a.BBox[3], 0)
			}
			out.Annotations = append(out.Annotations, Annotation{
				ID:         len(out.Annotations) + 1,
				ImageID:    imgID,
				CategoryID: catID,
				BBox:       a.BBox,
				Area:       area,
				IsCrowd:    a.IsCrowd,
			})
		}
	}

	return out, nil
}

// CheckReferences verifies that ids are unique and every annotation's image
// and category reference resolves.
func (d *Document) CheckReferences() error {
	images := make(map[int]struct{}, len(d.Images))
	for _, im := range d.Images {
		if _, dup := images[im.ID]; dup {
			return fmt.Errorf("%w: duplicate image id %d", ErrMalformedAnnotations, im.ID)
		}
		images[im.ID] = struct{}{}
	}
	cats := make(map[int]struct{}, len(d.Categories))
	for _, c := range d.Categories {
		if _, dup := cats[c.ID]; dup {
			return fmt.Errorf("%w: duplicate category id %d", ErrMalformedAnnotations, c.ID)
		}
		cats[c.ID] = struct{}{}
	}
	anns := make(map[int]struct{}, len(d.Annotations))
	for _, a := range d.Annotations {
		if _, dup := anns[a.ID]; dup {
			return fmt.Errorf("%w: duplicate annotation id %d", ErrMalformedAnnotations, a.ID)
		}
		anns[a.ID] = struct{}{}
		if _, ok := images[a.ImageID]; !ok {
			return fmt.Errorf("%w: annotation %d references unknown image %d", ErrMalformedAnnotations, a.ID, a.ImageID)
		}
		if _, ok := cats[a.CategoryID]; !ok {
			return fmt.Errorf("%w: annotation %d references unknown category %d", ErrMalformedAnnotations, a.ID, a.CategoryID)
		}
	}
	return nil
}
