// Package validate cross-checks a dataset's canonical annotation set
// against the stored raw and normalized images and writes a report.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/rs/zerolog"
)

// DefaultPreviewLimit bounds the name lists carried in the report.
const DefaultPreviewLimit = 50

var requiredKeys = []string{"images", "annotations", "categories"}

// Validator produces a dataset's validation report.
type Validator struct {
	Store        objstore.Store
	Layout       dataset.Layout
	PreviewLimit int
	Now          func() time.Time
	Metrics      *metrics.PipelineMetrics
}

// NewValidator returns a validator with default limits.
func NewValidator(store objstore.Store, layout dataset.Layout) *Validator {
	return &Validator{
		Store:        store,
		Layout:       layout,
		PreviewLimit: DefaultPreviewLimit,
		Now:          time.Now,
	}
}

// Run executes every check and writes the report. Checks never abort one
// another; the only returned errors are ErrNoCanonical (after the report
// has been written) and a failure to write the report.
func (v *Validator) Run(ctx context.Context, counts *ManifestCounts) (*Report, error) {
	start := time.Now()
	defer func() { v.Metrics.ObserveStage("validate", time.Since(start)) }()
	logger := zerolog.Ctx(ctx).With().Str("stage", "validate").Str("dataset", v.Layout.Dataset).Logger()

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	report := &Report{
		Dataset:     v.Layout.Dataset,
		GeneratedAt: now().UTC().Format("2006-01-02T15:04:05Z"),
		Paths: Paths{
			RawImagesPrefix: v.Layout.RawImagesPrefix(),
			RawCOCOKey:      v.Layout.RawAnnotationsKey(),
			ProcessedPrefix: v.Layout.PreprocessedImagesPrefix(),
			ReportKey:       v.Layout.ReportKey(),
		},
		Checks: []Check{},
	}

	top, doc, err := v.load(ctx)
	if err != nil {
		report.add(Check{Name: CheckLoadCOCO, OK: false, Detail: err.Error()})
		logger.Warn().Err(err).Msg("canonical annotations unavailable")
		if werr := v.write(ctx, report); werr != nil {
			return report, werr
		}
		return report, fmt.Errorf("%w: %v", ErrNoCanonical, err)
	}
	report.add(Check{Name: CheckLoadCOCO, OK: true, Detail: LoadDetail{
		Images:      len(doc.Images),
		Annotations: len(doc.Annotations),
		Categories:  len(doc.Categories),
	}})

	missingKeys := []string{}
	for _, k := range requiredKeys {
		if _, ok := top[k]; !ok {
			missingKeys = append(missingKeys, k)
		}
	}
	report.add(Check{Name: CheckSchemaRequiredKeys, OK: len(missingKeys) == 0, Detail: KeysDetail{Missing: missingKeys}})

	dupIDs, dupNames := duplicates(doc.Images)
	report.add(Check{
		Name:   CheckDuplicates,
		OK:     len(dupIDs) == 0 && len(dupNames) == 0,
		Detail: DuplicatesDetail{ImageID: dupIDs, FileName: dupNames},
	})

	declared := make(map[string]struct{}, len(doc.Images))
	for _, img := range doc.Images {
		declared[normName(img.FileName)] = struct{}{}
	}

	raw, rawCount := v.consistency(ctx, CheckRawConsistency, v.Layout.RawImagesPrefix(), declared)
	report.add(raw)
	proc, procCount := v.consistency(ctx, CheckProcessedConsistency, v.Layout.PreprocessedImagesPrefix(), declared)
	report.add(proc)

	summary := &Summary{
		ImagesCOCO:      len(doc.Images),
		ImagesRaw:       rawCount,
		ImagesProcessed: procCount,
		Annotations:     len(doc.Annotations),
		Categories:      len(doc.Categories),
	}
	if counts != nil {
		train, val, dropped, balanced := counts.Train, counts.Val, counts.Dropped, counts.Balanced
		summary.TrainManifest = &train
		summary.ValManifest = &val
		summary.Dropped = &dropped
		summary.Balanced = &balanced
		if len(counts.TrainPerClass) > 0 {
			summary.TrainPerClass = counts.TrainPerClass
		}
		if len(counts.ValPerClass) > 0 {
			summary.ValPerClass = counts.ValPerClass
		}
	}
	report.Summary = summary

	report.OK = true
	for _, c := range report.Checks {
		if !c.OK {
			report.OK = false
			logger.Warn().Str("check", c.Name).Msg("validation check failed")
		}
	}

	if err := v.write(ctx, report); err != nil {
		return report, err
	}
	logger.Info().
		Bool("ok", report.OK).
		Int("imgs_coco", summary.ImagesCOCO).
		Int("imgs_raw", summary.ImagesRaw).
		Int("imgs_processed", summary.ImagesProcessed).
		Msg("validation report written")
	return report, nil
}

// load reads the canonical set leniently so the remaining checks can judge
// a document the schema would reject.
func (v *Validator) load(ctx context.Context) (map[string]json.RawMessage, *dataset.Document, error) {
	data, _, err := objstore.ReadAll(ctx, v.Store, v.Layout.RawAnnotationsKey())
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", v.Layout.RawAnnotationsKey(), err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", v.Layout.RawAnnotationsKey(), err)
	}
	doc, err := dataset.DecodeDocument(data)
	if err != nil {
		return nil, nil, err
	}
	return top, doc, nil
}

func (v *Validator) consistency(ctx context.Context, name, prefix string, declared map[string]struct{}) (Check, int) {
	detail := ConsistencyDetail{Prefix: prefix, COCOImages: len(declared), Missing: []string{}, Orphans: []string{}}
	objs, err := objstore.ListAll(ctx, v.Store, prefix)
	if err != nil {
		detail.Error = err.Error()
		return Check{Name: name, OK: false, Detail: detail}, 0
	}
	stored := make(map[string]struct{}, len(objs))
	for _, o := range objs {
		stored[normName(o.Key)] = struct{}{}
	}
	detail.Files = len(objs)

	missing := difference(declared, stored)
	detail.Missing = v.preview(missing)
	detail.Orphans = v.preview(difference(stored, declared))
	return Check{Name: name, OK: len(missing) == 0, Detail: detail}, len(objs)
}

func (v *Validator) preview(names []string) []string {
	limit := v.PreviewLimit
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if len(names) > limit {
		return names[:limit]
	}
	return names
}

func (v *Validator) write(ctx context.Context, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = objstore.PutBytes(ctx, v.Store, v.Layout.ReportKey(), data, objstore.PutOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func normName(name string) string {
	return strings.ToLower(dataset.BaseName(name))
}

// difference returns the sorted names in a that are not in b.
func difference(a, b map[string]struct{}) []string {
	out := []string{}
	for name := range a {
		if _, ok := b[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func duplicates(images []dataset.Image) ([]int, []string) {
	ids := make(map[int]int, len(images))
	names := make(map[string]int, len(images))
	for _, img := range images {
		ids[img.ID]++
		names[img.FileName]++
	}
	dupIDs := []int{}
	for id, n := range ids {
		if n > 1 {
			dupIDs = append(dupIDs, id)
		}
	}
	dupNames := []string{}
	for name, n := range names {
		if n > 1 {
			dupNames = append(dupNames, name)
		}
	}
	sort.Ints(dupIDs)
	sort.Strings(dupNames)
	return dupIDs, dupNames
}

