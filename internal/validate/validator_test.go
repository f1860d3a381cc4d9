package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/dermavision/curator/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	v := NewValidator(objstore.NewMemStore("bkt"), dataset.NewLayout("skin"))
	v.Now = func() time.Time { return time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC) }
	return v
}

func put(t *testing.T, v *Validator, key string, data []byte) {
	t.Helper()
	_, err := objstore.PutBytes(context.Background(), v.Store, key, data, objstore.PutOptions{})
	require.NoError(t, err)
}

func storedReport(t *testing.T, v *Validator) map[string]any {
	t.Helper()
	data, _, err := objstore.ReadAll(context.Background(), v.Store, v.Layout.ReportKey())
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRunCleanDataset(t *testing.T) {
	v := newTestValidator()
	c := (&testutil.COCO{}).Category(1, "mole").Category(2, "acne")
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("img_%d.jpg", i)
		c.Image(i, name, 100, 100).Box(i, 1, 10, 10, 20, 20)
		put(t, v, v.Layout.RawImageKey(name), []byte("raw"))
		put(t, v, v.Layout.PreprocessedImageKey(name), []byte("proc"))
	}
	put(t, v, v.Layout.RawAnnotationsKey(), c.JSON(t))

	report, err := v.Run(context.Background(), &ManifestCounts{
		Train:         2,
		Val:           1,
		Balanced:      true,
		TrainPerClass: map[string]int{"mole": 2},
	})
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, "2025-09-01T12:00:00Z", report.GeneratedAt)

	names := make([]string, 0, len(report.Checks))
	for _, c := range report.Checks {
		names = append(names, c.Name)
		assert.True(t, c.OK, c.Name)
	}
	assert.Equal(t, []string{
		CheckLoadCOCO, CheckSchemaRequiredKeys, CheckDuplicates, CheckRawConsistency, CheckProcessedConsistency,
	}, names)

	require.NotNil(t, report.Summary)
	assert.Equal(t, 3, report.Summary.ImagesCOCO)
	assert.Equal(t, 3, report.Summary.ImagesRaw)
	assert.Equal(t, 3, report.Summary.ImagesProcessed)
	assert.Equal(t, 3, report.Summary.Annotations)
	assert.Equal(t, 2, report.Summary.Categories)
	require.NotNil(t, report.Summary.TrainManifest)
	assert.Equal(t, 2, *report.Summary.TrainManifest)
	assert.Equal(t, 1, *report.Summary.ValManifest)
	assert.True(t, *report.Summary.Balanced)
	assert.Equal(t, map[string]int{"mole": 2}, report.Summary.TrainPerClass)
	assert.Nil(t, report.Summary.ValPerClass)

	stored := storedReport(t, v)
	assert.Equal(t, "skin", stored["dataset"])
	summary := stored["summary"].(map[string]any)
	assert.EqualValues(t, 3, summary["imgs_coco"])
	assert.EqualValues(t, 2, summary["train_manifest"])
	paths := stored["paths"].(map[string]any)
	assert.Equal(t, "datasets/skin/manifest/validation_report.json", paths["report_key"])
}

func TestRunDuplicatesAndOrphans(t *testing.T) {
	v := newTestValidator()
	c := (&testutil.COCO{}).Category(1, "mole").
		Image(1, "a.jpg", 10, 10).
		Image(2, "a.jpg", 10, 10).
		Image(2, "b.jpg", 10, 10)
	put(t, v, v.Layout.RawAnnotationsKey(), c.JSON(t))
	put(t, v, v.Layout.RawImageKey("A.JPG"), []byte("x"))
	put(t, v, v.Layout.RawImageKey("b.jpg"), []byte("x"))
	put(t, v, v.Layout.RawImageKey("extra.jpg"), []byte("x"))
	put(t, v, v.Layout.PreprocessedImageKey("a.jpg"), []byte("x"))

	report, err := v.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, report.OK)

	dup := report.Check(CheckDuplicates)
	require.NotNil(t, dup)
	assert.False(t, dup.OK)
	assert.Equal(t, DuplicatesDetail{ImageID: []int{2}, FileName: []string{"a.jpg"}}, dup.Detail)

	raw := report.Check(CheckRawConsistency)
	require.NotNil(t, raw)
	assert.True(t, raw.OK, "orphans alone do not fail the check")
	rawDetail := raw.Detail.(ConsistencyDetail)
	assert.Empty(t, rawDetail.Missing)
	assert.Equal(t, []string{"extra.jpg"}, rawDetail.Orphans)
	assert.Equal(t, 2, rawDetail.COCOImages)
	assert.Equal(t, 3, rawDetail.Files)

	proc := report.Check(CheckProcessedConsistency)
	require.NotNil(t, proc)
	assert.False(t, proc.OK)
	procDetail := proc.Detail.(ConsistencyDetail)
	assert.Equal(t, []string{"b.jpg"}, procDetail.Missing)
	assert.Empty(t, procDetail.Orphans)

	assert.Equal(t, 3, report.Summary.ImagesCOCO, "duplicate entries still count")
	assert.Equal(t, 3, report.Summary.ImagesRaw)
	assert.Nil(t, report.Summary.TrainManifest)
	assert.Nil(t, report.Summary.Balanced)
}

func TestRunMissingCanonicalStillWritesReport(t *testing.T) {
	v := newTestValidator()

	report, err := v.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoCanonical)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, CheckLoadCOCO, report.Checks[0].Name)
	assert.False(t, report.Checks[0].OK)
	assert.Nil(t, report.Summary)

	stored := storedReport(t, v)
	checks := stored["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, false, checks[0].(map[string]any)["ok"])
}

func TestRunUnparseableCanonical(t *testing.T) {
	v := newTestValidator()
	put(t, v, v.Layout.RawAnnotationsKey(), []byte("[1, 2"))

	_, err := v.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoCanonical)
	assert.NotNil(t, storedReport(t, v))
}

func TestRunMissingTopLevelKeys(t *testing.T) {
	v := newTestValidator()
	put(t, v, v.Layout.RawAnnotationsKey(), []byte(`{"images": [{"id": 1, "file_name": "a.jpg"}]}`))
	put(t, v, v.Layout.RawImageKey("a.jpg"), []byte("x"))
	put(t, v, v.Layout.PreprocessedImageKey("a.jpg"), []byte("x"))

	report, err := v.Run(context.Background(), nil)
	require.NoError(t, err)
	keys := report.Check(CheckSchemaRequiredKeys)
	require.NotNil(t, keys)
	assert.False(t, keys.OK)
	assert.Equal(t, KeysDetail{Missing: []string{"annotations", "categories"}}, keys.Detail)
	assert.True(t, report.Check(CheckRawConsistency).OK)
}

func TestPreviewIsCapped(t *testing.T) {
	v := newTestValidator()
	v.PreviewLimit = 5
	c := (&testutil.COCO{}).Category(1, "mole")
	for i := 0; i < 12; i++ {
		c.Image(i+1, fmt.Sprintf("img_%02d.jpg", i), 10, 10)
	}
	put(t, v, v.Layout.RawAnnotationsKey(), c.JSON(t))

	report, err := v.Run(context.Background(), nil)
	require.NoError(t, err)
	detail := report.Check(CheckRawConsistency).Detail.(ConsistencyDetail)
	assert.Equal(t, []string{"img_00.jpg", "img_01.jpg", "img_02.jpg", "img_03.jpg", "img_04.jpg"}, detail.Missing)
	assert.Equal(t, 12, detail.COCOImages)
	assert.Equal(t, 0, report.Summary.ImagesRaw)
}
