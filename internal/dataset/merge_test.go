package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_CollidingIDs(t *testing.T) {
	train := &Document{
		Categories: []Category{{ID: 0, Name: "lesions"}, {ID: 1, Name: "acne"}, {ID: 3, Name: "mole"}},
		Images: []Image{
			{ID: 1, FileName: "train/a.jpg", Width: 100, Height: 100},
			{ID: 2, FileName: "train/b.jpg", Width: 100, Height: 100},
		},
		Annotations: []Annotation{
			{ID: 1, ImageID: 1, CategoryID: 1, BBox: [4]float64{1, 1, 10, 10}},
			{ID: 2, ImageID: 2, CategoryID: 3, BBox: [4]float64{2, 2, 5, 4}, Area: 99, IsCrowd: 1},
		},
	}
	valid := &Document{
		// Same name under different ids, plus a new class.
		Categories: []Category{{ID: 3, Name: "acne"}, {ID: 1, Name: "wart", Supercategory: "skin"}},
		Images: []Image{
			{ID: 1, FileName: "valid/c.jpg", Width: 50, Height: 60},
		},
		Annotations: []Annotation{
			{ID: 1, ImageID: 1, CategoryID: 3, BBox: [4]float64{0, 0, 3, 3}},
			{ID: 2, ImageID: 1, CategoryID: 1, BBox: [4]float64{5, 5, 2, 2}},
		},
	}

	out, err := Merge(train, valid)
	require.NoError(t, err)
	require.NoError(t, out.CheckReferences())

	require.Len(t, out.Categories, 4)
	assert.Equal(t, Category{ID: 1, Name: "lesions", Supercategory: "lesions"}, out.Categories[0])
	assert.Equal(t, Category{ID: 2, Name: "acne", Supercategory: "acne"}, out.Categories[1])
	assert.Equal(t, Category{ID: 3, Name: "mole", Supercategory: "mole"}, out.Categories[2])
	assert.Equal(t, Category{ID: 4, Name: "wart", Supercategory: "skin"}, out.Categories[3])

	require.Len(t, out.Images, 3)
	for i, im := range out.Images {
		assert.Equal(t, i+1, im.ID, "dense image ids")
	}
	assert.Equal(t, "a.jpg", out.Images[0].FileName)
	assert.Equal(t, "c.jpg", out.Images[2].FileName)

	require.Len(t, out.Annotations, 4)
	for i, a := range out.Annotations {
		assert.Equal(t, i+1, a.ID, "dense annotation ids")
	}
	// valid's annotation 1 pointed at its image 1 / category "acne".
	assert.Equal(t, 3, out.Annotations[2].ImageID)
	assert.Equal(t, 2, out.Annotations[2].CategoryID)
	assert.Equal(t, 4, out.Annotations[3].CategoryID)

	assert.Equal(t, 100.0, out.Annotations[0].Area, "area defaults to w*h")
	assert.Equal(t, 99.0, out.Annotations[1].Area, "explicit area kept")
	assert.Equal(t, 1, out.Annotations[1].IsCrowd)
}

func TestMerge_DanglingReference(t *testing.T) {
	doc := &Document{
		Categories:  []Category{{ID: 1, Name: "a"}},
		Images:      []Image{{ID: 1, FileName: "x.jpg"}},
		Annotations: []Annotation{{ID: 1, ImageID: 2, CategoryID: 1}},
	}
	_, err := Merge(doc)
	assert.ErrorIs(t, err, ErrMalformedAnnotations)

	doc.Annotations[0] = Annotation{ID: 1, ImageID: 1, CategoryID: 9}
	_, err = Merge(doc)
	assert.ErrorIs(t, err, ErrMalformedAnnotations)
}

func TestMerge_Empty(t *testing.T) {
	out, err := Merge()
	require.NoError(t, err)
	assert.Empty(t, out.Images)
	assert.NotNil(t, out.Annotations)
}

func TestCheckReferences(t *testing.T) {
	doc := &Document{
		Categories:  []Category{{ID: 1, Name: "a"}},
		Images:      []Image{{ID: 1, FileName: "x.jpg"}, {ID: 1, FileName: "y.jpg"}},
		Annotations: []Annotation{},
	}
	assert.ErrorIs(t, doc.CheckReferences(), ErrMalformedAnnotations)
}
