package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/dermavision/curator/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func newTestBuilder(store objstore.Store) *Builder {
	return &Builder{
		Store:              store,
		Layout:             dataset.NewLayout("skin"),
		Scheme:             "s3",
		Trim:               defaultTrim,
		Balance:            BalancePolicy{PerClassCap: 90, MinClassImages: 40},
		ValidationFraction: 0.1,
		FuzzyCutoff:        0.6,
		Rand:               rand.New(rand.NewPCG(1, 1)),
		Now:                func() time.Time { return fixedNow },
	}
}

func saveCanonical(t *testing.T, b *Builder, c *testutil.COCO) {
	t.Helper()
	doc, err := dataset.ParseDocument(c.JSON(t))
	require.NoError(t, err)
	require.NoError(t, dataset.SaveCanonical(context.Background(), b.Store, b.Layout, doc))
}

func putNormalized(t *testing.T, b *Builder, name string, data []byte) {
	t.Helper()
	_, err := objstore.PutBytes(context.Background(), b.Store, b.Layout.PreprocessedImageKey(name), data, objstore.PutOptions{})
	require.NoError(t, err)
}

func markReady(t *testing.T, b *Builder) {
	t.Helper()
	_, err := objstore.PutBytes(context.Background(), b.Store, b.Layout.ReadyKey(), nil, objstore.PutOptions{})
	require.NoError(t, err)
}

func readEntries(t *testing.T, store objstore.Store, key string) []Entry {
	t.Helper()
	data, _, err := objstore.ReadAll(context.Background(), store, key)
	require.NoError(t, err)
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestBuildReconcilesAndWrites(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	ctx := context.Background()

	saveCanonical(t, b, (&testutil.COCO{}).
		Category(1, "acne").
		Category(2, "mole").
		Image(1, "a_jpg.rf.aaaaaa.jpg", 32, 32). // token tier
		Image(2, "B_jpg.jpg", 32, 32).           // normalized tier
		Image(3, "nothing-like-it.png", 32, 32). // unmatched
		Image(4, "c.jpg", 32, 32).               // boxes clip away
		Image(5, "d.jpg", 32, 32).               // no annotations at all
		Box(1, 1, 2, 2, 10, 10).
		Box(1, 2, 20, 20, 30, 30).
		Box(2, 2, 0, 0, 5, 5).
		Box(4, 1, 40, 40, 0.2, 10))
	putNormalized(t, b, "renamed.rf.aaaaaa.jpg", testutil.JPEG(t, 32, 32))
	putNormalized(t, b, "b-jpg.jpg", testutil.JPEG(t, 32, 32))
	putNormalized(t, b, "c.jpg", testutil.JPEG(t, 32, 32))
	putNormalized(t, b, "d.jpg", testutil.JPEG(t, 32, 32))
	markReady(t, b)

	res, err := b.Build(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Train)
	assert.Equal(t, 1, res.Val)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, map[string]int{DropUnmatched: 1, DropNoBoxes: 2}, res.DroppedByReason)
	assert.Equal(t, map[string]int{"exact": 1, "normalized": 3, "unmatched": 1}, res.Tiers)
	assert.Equal(t, []string{"acne", "mole"}, res.Classes)
	assert.Equal(t, 1, res.BoxesDiscarded)
	assert.Zero(t, res.SizeFallbacks)

	entries := append(readEntries(t, store, b.Layout.TrainManifestKey()), readEntries(t, store, b.Layout.ValManifestKey())...)
	require.Len(t, entries, 2)
	byRef := map[string]Entry{}
	for _, e := range entries {
		byRef[e.SourceRef] = e
	}
	a, ok := byRef["s3://bkt/"+b.Layout.PreprocessedImageKey("renamed.rf.aaaaaa.jpg")]
	require.True(t, ok)
	assert.Equal(t, []Box{
		{ClassID: 0, Left: 2, Top: 2, Width: 10, Height: 10},
		{ClassID: 1, Left: 20, Top: 20, Width: 12, Height: 12},
	}, a.BoundingBox.Annotations)
	assert.Equal(t, []ImageSize{{Width: 32, Height: 32, Depth: 3}}, a.BoundingBox.ImageSize)
	assert.Equal(t, "2025-09-01T00:00:00Z", a.Metadata.CreationDate)

	txt, _, err := objstore.ReadAll(ctx, store, b.Layout.LabelsTxtKey())
	require.NoError(t, err)
	assert.Equal(t, "acne\nmole\n", string(txt))

	labels, _, err := objstore.ReadAll(ctx, store, b.Layout.LabelsJSONKey())
	require.NoError(t, err)
	assert.JSONEq(t, `["acne","mole"]`, string(labels))

	index, _, err := objstore.ReadAll(ctx, store, b.Layout.LabelsIndexKey())
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":"acne","1":"mole"}`, string(index))

	// Every written manifest passes the linter.
	for _, key := range []string{b.Layout.TrainManifestKey(), b.Layout.ValManifestKey()} {
		data, _, err := objstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		issues, err := Lint(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Empty(t, issues, key)
	}
}

func TestBuildPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("not ready", func(t *testing.T) {
		b := newTestBuilder(objstore.NewMemStore("bkt"))
		res, err := b.Build(ctx)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.False(t, res.OK)
		assert.Equal(t, ErrNotReady.Error(), res.Error)
	})

	t.Run("no canonical set", func(t *testing.T) {
		b := newTestBuilder(objstore.NewMemStore("bkt"))
		markReady(t, b)
		_, err := b.Build(ctx)
		assert.ErrorIs(t, err, objstore.ErrObjectNotFound)
	})

	t.Run("no images", func(t *testing.T) {
		b := newTestBuilder(objstore.NewMemStore("bkt"))
		saveCanonical(t, b, (&testutil.COCO{}).Category(1, "acne").Image(1, "a.jpg", 8, 8).Box(1, 1, 0, 0, 4, 4))
		markReady(t, b)
		_, err := b.Build(ctx)
		assert.ErrorIs(t, err, ErrNoImages)
	})
}

func TestBuildNoItemsWritesNothing(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	saveCanonical(t, b, (&testutil.COCO{}).Category(1, "acne").Image(1, "zzz-unrelated.png", 8, 8).Box(1, 1, 0, 0, 4, 4))
	putNormalized(t, b, "a.jpg", testutil.JPEG(t, 8, 8))
	markReady(t, b)

	res, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrNoItems)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.DroppedByReason[DropUnmatched])

	objs, err := objstore.ListAll(context.Background(), store, b.Layout.ManifestPrefix())
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestBuildFallsBackToDeclaredSize(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	saveCanonical(t, b, (&testutil.COCO{}).Category(1, "acne").Image(1, "a.jpg", 20, 10).Box(1, 1, 15, 5, 10, 10))
	putNormalized(t, b, "a.jpg", []byte("unreadable"))
	markReady(t, b)

	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SizeFallbacks)

	entries := readEntries(t, store, b.Layout.ValManifestKey())
	require.Len(t, entries, 1)
	assert.Equal(t, []ImageSize{{Width: 20, Height: 10, Depth: 3}}, entries[0].BoundingBox.ImageSize)
	assert.Equal(t, []Box{{ClassID: 0, Left: 15, Top: 5, Width: 5, Height: 5}}, entries[0].BoundingBox.Annotations)
}

func TestBuildBadSizeIsDropped(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	saveCanonical(t, b, (&testutil.COCO{}).
		Category(1, "acne").
		Image(1, "a.jpg", 0, 0).
		Image(2, "b.jpg", 16, 16).
		Box(1, 1, 0, 0, 4, 4).
		Box(2, 1, 0, 0, 4, 4))
	putNormalized(t, b, "a.jpg", []byte("unreadable"))
	putNormalized(t, b, "b.jpg", testutil.JPEG(t, 16, 16))
	markReady(t, b)

	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DroppedByReason[DropBadSize])
	assert.Equal(t, 1, res.Train+res.Val)
}

func TestBuildProjectsBoxesIntoLetterbox(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	b.ProjectBoxes = true
	saveCanonical(t, b, (&testutil.COCO{}).Category(1, "acne").Image(1, "a.jpg", 64, 32).Box(1, 1, 0, 0, 64, 32))
	putNormalized(t, b, "a.jpg", testutil.JPEG(t, 32, 32))
	markReady(t, b)

	_, err := b.Build(context.Background())
	require.NoError(t, err)
	entries := readEntries(t, store, b.Layout.ValManifestKey())
	require.Len(t, entries, 1)
	assert.Equal(t, []Box{{ClassID: 0, Left: 0, Top: 8, Width: 32, Height: 16}}, entries[0].BoundingBox.Annotations)
}

func TestBuildTrimsCrowdedImages(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	c := (&testutil.COCO{}).Category(1, "a").Category(2, "b").Category(3, "c").Category(4, "d").Image(1, "crowd.jpg", 256, 256)
	for i := 0; i < 80; i++ {
		c.Box(1, 1+i%4, float64(i), float64(i), float64(10+i), 10)
	}
	saveCanonical(t, b, c)
	putNormalized(t, b, "crowd.jpg", testutil.JPEG(t, 256, 256))
	markReady(t, b)

	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, res.BoxesTrimmed)
	entries := readEntries(t, store, b.Layout.ValManifestKey())
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].BoundingBox.Annotations, 50)
	assert.Len(t, entries[0].Metadata.Objects, 50)
}

func TestBuildBalancedExcludesIneligibleClasses(t *testing.T) {
	store := objstore.NewMemStore("bkt")
	b := newTestBuilder(store)
	b.BalanceEnabled = true

	// acne is in 60 images; mole in 20 (10 shared, 10 alone), under the
	// 40-image minimum.
	c := (&testutil.COCO{}).Category(1, "acne").Category(2, "mole")
	img := testutil.JPEG(t, 16, 16)
	for i := 1; i <= 70; i++ {
		name := fmt.Sprintf("img%02d.jpg", i)
		c.Image(i, name, 16, 16)
		if i <= 60 {
			c.Box(i, 1, 0, 0, 8, 8)
		}
		if i <= 10 || i > 60 {
			c.Box(i, 2, 8, 8, 4, 4)
		}
		putNormalized(t, b, name, img)
	}
	saveCanonical(t, b, c)
	markReady(t, b)

	res, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Balanced)
	assert.Equal(t, 60, res.Train+res.Val)
	assert.Equal(t, 6, res.Val)
	assert.Equal(t, 54, res.TrainPerClass["acne"])
	assert.Equal(t, 6, res.ValPerClass["acne"])
	assert.Zero(t, res.TrainPerClass["mole"]+res.ValPerClass["mole"])

	entries := append(readEntries(t, store, b.Layout.TrainManifestKey()), readEntries(t, store, b.Layout.ValManifestKey())...)
	require.Len(t, entries, 60)
	support := map[int]int{}
	for _, e := range entries {
		assert.Len(t, e.Metadata.Objects, len(e.BoundingBox.Annotations))
		for _, id := range e.ClassIDs() {
			support[id]++
		}
	}
	assert.Equal(t, map[int]int{0: 60}, support)
	for id, n := range support {
		assert.GreaterOrEqual(t, n, b.Balance.MinClassImages, "class %d", id)
	}
}
