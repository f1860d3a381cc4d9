package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // Register decoders for size probing
	_ "image/png"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/normalize"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
)

// Drop reasons reported per image.
const (
	DropUnmatched      = "unmatched"
	DropBadSize        = "bad-size"
	DropNoBoxes        = "no-boxes"
	DropAfterTrimEmpty = "after-trim-empty"
	DropIneligible     = "ineligible-classes"
)

// Result reports one manifest build.
type Result struct {
	OK              bool           `json:"ok"`
	Error           string         `json:"error,omitempty"`
	Dataset         string         `json:"dataset"`
	Train           int            `json:"train"`
	Val             int            `json:"val"`
	Dropped         int            `json:"dropped"`
	DroppedByReason map[string]int `json:"dropped_by_reason"`
	Tiers           map[string]int `json:"tiers"`
	BoxesDiscarded  int            `json:"boxes_discarded"` // Clipped to zero size
	BoxesTrimmed    int            `json:"boxes_trimmed"`
	SizeFallbacks   int            `json:"size_fallbacks"`
	Balanced        bool           `json:"balanced"`
	Classes         []string       `json:"classes"`
	TrainPerClass   map[string]int `json:"train_per_class,omitempty"`
	ValPerClass     map[string]int `json:"val_per_class,omitempty"`
	Duration        string         `json:"duration"`
}

// Builder builds a dataset's manifests. At most one Build per dataset may
// run at a time.
type Builder struct {
	Store              objstore.Store
	Layout             dataset.Layout
	Scheme             string
	Trim               TrimPolicy
	BalanceEnabled     bool
	Balance            BalancePolicy
	ValidationFraction float64
	FuzzyCutoff        float64
	ProjectBoxes       bool
	Rand               *rand.Rand
	Now                func() time.Time
	Metrics            *metrics.PipelineMetrics
}

// NewBuilder builds a manifest builder from configuration.
func NewBuilder(store objstore.Store, layout dataset.Layout, cfg *config.Config) *Builder {
	m := cfg.Manifest
	seed := uint64(m.Seed)
	if m.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Builder{
		Store:  store,
		Layout: layout,
		Scheme: m.URIScheme,
		Trim: TrimPolicy{
			MinWidth:    m.MinBoxWidth,
			MinHeight:   m.MinBoxHeight,
			MaxPerClass: m.MaxBoxesPerClass,
			MaxTotal:    m.MaxBoxesPerImage,
		},
		BalanceEnabled: m.Balance.Enabled,
		Balance: BalancePolicy{
			PerClassCap:    m.Balance.PerClassCap,
			MinClassImages: m.Balance.MinClassImages,
		},
		ValidationFraction: m.ValidationFraction,
		FuzzyCutoff:        m.FuzzyCutoff,
		ProjectBoxes:       m.ProjectBoxes,
		Rand:               rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		Now:                time.Now,
	}
}

func (b *Builder) fail(res *Result, err error) (*Result, error) {
	res.OK = false
	res.Error = err.Error()
	return res, err
}

// Build reconciles the canonical set with the normalized images and writes
// the manifests and label files. Per-image problems are counted in the
// result; a precondition failure or an empty result writes nothing and
// returns one of ErrNotReady, ErrNoImages or ErrNoItems.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	logger := zerolog.Ctx(ctx).With().Str("stage", "manifest").Str("dataset", b.Layout.Dataset).Logger()
	res := &Result{
		Dataset:         b.Layout.Dataset,
		DroppedByReason: map[string]int{},
		Tiers:           map[string]int{},
		Classes:         []string{},
	}
	defer func() {
		res.Duration = time.Since(start).Round(time.Millisecond).String()
		b.Metrics.ObserveStage("manifest", time.Since(start))
	}()

	ready, err := objstore.Exists(ctx, b.Store, b.Layout.ReadyKey())
	if err != nil {
		return b.fail(res, err)
	}
	if !ready {
		return b.fail(res, ErrNotReady)
	}
	doc, err := dataset.LoadCanonical(ctx, b.Store, b.Layout)
	if err != nil {
		return b.fail(res, err)
	}
	objs, err := objstore.ListAll(ctx, b.Store, b.Layout.PreprocessedImagesPrefix())
	if err != nil {
		return b.fail(res, err)
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if len(keys) == 0 {
		return b.fail(res, ErrNoImages)
	}

	// Class ids are positions in id order, so the class map is 0..N-1.
	cats := append([]dataset.Category(nil), doc.Categories...)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].ID < cats[j].ID })
	classOf := make(map[int]int, len(cats))
	for _, c := range cats {
		if _, ok := classOf[c.ID]; ok {
			continue
		}
		classOf[c.ID] = len(res.Classes)
		res.Classes = append(res.Classes, c.Name)
	}
	classMap := ClassMap(res.Classes)

	resolver := NewResolver(keys, b.FuzzyCutoff)
	annsByImage := doc.AnnotationsByImage()
	created := b.Now()
	drop := func(reason, name string) {
		res.Dropped++
		res.DroppedByReason[reason]++
		logger.Warn().Str("reason", reason).Str("file_name", name).Msg("image dropped")
	}

	var entries []Entry
	for _, img := range doc.Images {
		if err := ctx.Err(); err != nil {
			return b.fail(res, err)
		}
		m := resolver.Resolve(img.FileName)
		res.Tiers[m.Tier.String()]++
		if m.Tier == TierUnmatched {
			drop(DropUnmatched, img.FileName)
			continue
		}
		if m.Tier == TierFuzzy {
			logger.Debug().Str("file_name", img.FileName).Str("key", m.Key).Float64("score", m.Score).Msg("fuzzy name match")
		}

		w, h, fallback := b.resolveSize(ctx, m.Key, img.Width, img.Height)
		if fallback {
			res.SizeFallbacks++
			logger.Warn().Str("key", m.Key).Int("width", w).Int("height", h).Msg("stored image unreadable, using declared size")
		}
		if w <= 0 || h <= 0 {
			drop(DropBadSize, img.FileName)
			continue
		}

		var boxes []Box
		for _, a := range annsByImage[img.ID] {
			cls, ok := classOf[a.CategoryID]
			if !ok {
				res.BoxesDiscarded++
				continue
			}
			bbox := a.BBox
			if b.ProjectBoxes {
				bbox = b.project(bbox, img.Width, img.Height, w, h)
			}
			box, ok := ClipBox(cls, bbox, w, h)
			if !ok {
				res.BoxesDiscarded++
				continue
			}
			boxes = append(boxes, box)
		}
		if len(boxes) == 0 {
			drop(DropNoBoxes, img.FileName)
			continue
		}

		before := len(boxes)
		boxes, trimmed := Trim(boxes, b.Trim)
		if trimmed > 0 {
			res.BoxesTrimmed += trimmed
			logger.Debug().Str("file_name", img.FileName).Int("before", before).Int("after", len(boxes)).Msg("boxes trimmed")
		}
		if len(boxes) == 0 {
			drop(DropAfterTrimEmpty, img.FileName)
			continue
		}

		entries = append(entries, NewEntry(b.Store.URI(b.Scheme, m.Key), boxes, w, h, classMap, created))
	}

	if len(entries) == 0 {
		return b.fail(res, ErrNoItems)
	}

	if b.BalanceEnabled {
		classes := make([][]int, len(entries))
		for i, e := range entries {
			classes[i] = e.ClassIDs()
		}
		sel := Balance(classes, b.Balance, b.Rand)
		selected := make([]Entry, 0, len(sel.Images))
		for _, j := range sel.Images {
			e := entries[j].KeepClasses(sel.Keeps)
			if len(e.BoundingBox.Annotations) == 0 {
				drop(DropIneligible, e.SourceRef)
				continue
			}
			selected = append(selected, e)
		}
		logger.Debug().
			Int("eligible_classes", len(sel.Eligible)).
			Int("selected", len(selected)).
			Int("candidates", len(entries)).
			Msg("classes balanced")
		entries = selected
		res.Balanced = true
		if len(entries) == 0 {
			return b.fail(res, ErrNoItems)
		}
	}

	train, val := Split(entries, b.ValidationFraction, b.Rand)
	res.Train, res.Val = len(train), len(val)
	res.TrainPerClass = perClass(train, res.Classes)
	res.ValPerClass = perClass(val, res.Classes)

	if err := b.write(ctx, train, val, res.Classes); err != nil {
		return b.fail(res, err)
	}
	res.OK = true
	b.Metrics.Manifest(res.Train, res.Val, res.DroppedByReason, res.BoxesTrimmed, res.SizeFallbacks)

	logger.Info().
		Int("train", res.Train).
		Int("val", res.Val).
		Int("dropped", res.Dropped).
		Bool("balanced", res.Balanced).
		Msg("manifest written")
	return res, nil
}

// resolveSize reads the pixel size of the stored asset, falling back to the
// declared size when the asset cannot be read.
func (b *Builder) resolveSize(ctx context.Context, key string, declW, declH int) (int, int, bool) {
	rc, _, err := b.Store.GetObject(ctx, key)
	if err != nil {
		return declW, declH, true
	}
	defer func() { _ = rc.Close() }()
	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return declW, declH, true
	}
	return cfg.Width, cfg.Height, false
}

// project maps a box declared against a declW×declH source into a square
// letterboxed image of side w. Other shapes are returned unchanged.
func (b *Builder) project(bbox [4]float64, declW, declH, w, h int) [4]float64 {
	if w != h || declW <= 0 || declH <= 0 || (declW == w && declH == h) {
		return bbox
	}
	return normalize.Fit(declW, declH, w).Project(bbox)
}

func perClass(entries []Entry, names []string) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		for _, id := range e.ClassIDs() {
			if id >= 0 && id < len(names) {
				out[names[id]]++
			}
		}
	}
	return out
}

func (b *Builder) write(ctx context.Context, train, val []Entry, classes []string) error {
	put := func(key, contentType string, data []byte) error {
		_, err := objstore.PutBytes(ctx, b.Store, key, data, objstore.PutOptions{
			ContentType: contentType,
			Tags:        map[string]string{"stage": "manifest"},
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	}

	for _, part := range []struct {
		key     string
		entries []Entry
	}{
		{b.Layout.TrainManifestKey(), train},
		{b.Layout.ValManifestKey(), val},
	} {
		var buf bytes.Buffer
		if err := WriteLines(&buf, part.entries); err != nil {
			return err
		}
		if err := put(part.key, "application/x-ndjson", buf.Bytes()); err != nil {
			return err
		}
	}

	txt := strings.Join(classes, "\n") + "\n"
	if err := put(b.Layout.LabelsTxtKey(), "text/plain", []byte(txt)); err != nil {
		return err
	}
	labels, err := json.MarshalIndent(classes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if err := put(b.Layout.LabelsJSONKey(), "application/json", labels); err != nil {
		return err
	}
	index, err := json.MarshalIndent(ClassMap(classes), "", "  ")
	if err != nil {
		return fmt.Errorf("encode label index: %w", err)
	}
	return put(b.Layout.LabelsIndexKey(), "application/json", index)
}
