// Package normalize letterboxes a dataset's raw images into fixed-size
// squares and signals readiness once every raw image has been converted.
package normalize

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp" // Register the WebP decoder
	"golang.org/x/sync/errgroup"
)

// Failure is one image the normalizer could not convert.
type Failure struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Summary reports one normalization pass.
type Summary struct {
	Dataset   string    `json:"dataset"`
	Raw       int       `json:"raw"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"` // Already normalized
	Failed    int       `json:"failed"`
	Missing   int       `json:"missing"` // Raw images still without output after the pass
	Ready     bool      `json:"ready"`
	Failures  []Failure `json:"failures,omitempty"`
	Duration  string    `json:"duration"`
}

// Normalizer converts raw images into letterboxed JPEGs.
type Normalizer struct {
	Store      objstore.Store
	Layout     dataset.Layout
	TargetSide int
	PadColor   color.Color
	Quality    int
	Workers    int
	Metrics    *metrics.PipelineMetrics
}

// NewNormalizer builds a normalizer from configuration.
func NewNormalizer(store objstore.Store, layout dataset.Layout, cfg *config.Config) (*Normalizer, error) {
	pad, err := cfg.PadColor()
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		Store:      store,
		Layout:     layout,
		TargetSide: cfg.Normalize.TargetSide,
		PadColor:   pad,
		Quality:    cfg.Normalize.JPEGQuality,
		Workers:    cfg.Normalize.Workers,
	}, nil
}

// baseNames lists the base names of objects under prefix.
func (n *Normalizer) baseNames(ctx context.Context, prefix string) (map[string]string, error) {
	objs, err := objstore.ListAll(ctx, n.Store, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make(map[string]string, len(objs))
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		out[name] = o.Key
	}
	return out, nil
}

// Run normalizes every raw image without an existing output, then writes
// the ready marker if and only if no raw image is left unconverted.
func (n *Normalizer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	logger := zerolog.Ctx(ctx).With().Str("stage", "normalize").Str("dataset", n.Layout.Dataset).Logger()
	sum := &Summary{Dataset: n.Layout.Dataset}
	defer func() {
		sum.Duration = time.Since(start).Round(time.Millisecond).String()
		n.Metrics.ObserveStage("normalize", time.Since(start))
	}()

	raw, err := n.baseNames(ctx, n.Layout.RawImagesPrefix())
	if err != nil {
		return sum, err
	}
	done, err := n.baseNames(ctx, n.Layout.PreprocessedImagesPrefix())
	if err != nil {
		return sum, err
	}
	sum.Raw = len(raw)

	names := make([]string, 0, len(raw))
	for name := range raw {
		if _, ok := done[name]; ok {
			sum.Skipped++
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	logger.Info().Int("raw", len(raw)).Int("todo", len(names)).Msg("normalization started")

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(n.Workers, 1))
	for _, name := range names {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := n.normalizeOne(ctx, raw[name], name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				sum.Failures = append(sum.Failures, Failure{Key: raw[name], Reason: err.Error()})
				logger.Warn().Err(err).Str("key", raw[name]).Msg("image not normalized")
				return nil
			}
			sum.Processed++
			return nil
		})
	}
	_ = g.Wait()
	n.Metrics.Normalized("processed", sum.Processed)
	n.Metrics.Normalized("skipped", sum.Skipped)
	n.Metrics.Normalized("failed", sum.Failed)
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	ready, missing, err := n.reconcile(ctx)
	if err != nil {
		return sum, err
	}
	sum.Ready = ready
	sum.Missing = missing

	logger.Info().
		Int("processed", sum.Processed).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Bool("ready", sum.Ready).
		Msg("normalization finished")
	return sum, nil
}

// reconcile relists both prefixes and sets or clears the ready marker.
func (n *Normalizer) reconcile(ctx context.Context) (bool, int, error) {
	raw, err := n.baseNames(ctx, n.Layout.RawImagesPrefix())
	if err != nil {
		return false, 0, err
	}
	done, err := n.baseNames(ctx, n.Layout.PreprocessedImagesPrefix())
	if err != nil {
		return false, 0, err
	}
	missing := 0
	for name := range raw {
		if _, ok := done[name]; !ok {
			missing++
		}
	}

	if missing > 0 {
		// A marker left by an earlier complete pass no longer holds.
		if err := n.Store.DeleteObject(ctx, n.Layout.ReadyKey()); err != nil {
			return false, missing, fmt.Errorf("clear ready marker: %w", err)
		}
		return false, missing, nil
	}

	body := fmt.Sprintf("%d images normalized at %s\n", len(done), time.Now().UTC().Format(time.RFC3339))
	_, err = objstore.PutBytes(ctx, n.Store, n.Layout.ReadyKey(), []byte(body), objstore.PutOptions{
		ContentType: "text/plain",
		Tags:        map[string]string{"stage": "preprocessed"},
	})
	if err != nil {
		return false, 0, fmt.Errorf("write ready marker: %w", err)
	}
	return true, 0, nil
}

func (n *Normalizer) normalizeOne(ctx context.Context, key, name string) error {
	rc, _, err := n.Store.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	out := Letterbox(img, n.TargetSide, n.PadColor)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(n.Quality)); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	// The output keeps the raw name so reconciliation matches by name; the
	// bytes are always JPEG.
	_, err = objstore.PutBytes(ctx, n.Store, n.Layout.PreprocessedImageKey(name), buf.Bytes(), objstore.PutOptions{
		ContentType: "image/jpeg",
		Metadata: map[string]string{
			"source-width":  fmt.Sprint(img.Bounds().Dx()),
			"source-height": fmt.Sprint(img.Bounds().Dy()),
		},
		Tags: map[string]string{"stage": "preprocessed"},
	})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
