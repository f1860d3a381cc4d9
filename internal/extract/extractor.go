// Package extract unpacks claimed archives into a dataset's raw prefix.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dermavision/curator/internal/claim"
	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status is the terminal state of one archive.
type Status string

const (
	StatusConsumed    Status = "consumed"
	StatusQuarantined Status = "quarantined"
	// StatusStuck means quarantine itself failed; the archive stays in
	// processing and the next sweep retries it.
	StatusStuck Status = "stuck"
	// StatusGone means the archive vanished before it could be read,
	// settled by another worker.
	StatusGone Status = "gone"
)

// Outcome reports what happened to one claimed archive.
type Outcome struct {
	Key         string `json:"key"`
	Status      Status `json:"status"`
	Images      int    `json:"images"`
	Documents   int    `json:"annotation_documents"`
	Annotations int    `json:"annotations"`
	Skipped     int    `json:"skipped_entries"`
	Spilled     bool   `json:"spilled,omitempty"`
	Quarantine  string `json:"quarantine_key,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Summary aggregates one extraction run.
type Summary struct {
	Dataset     string    `json:"dataset"`
	Recovered   int       `json:"recovered"` // Abandoned archives swept from processing
	Claimed     int       `json:"claimed"`
	LostRaces   int       `json:"lost_races"`
	Consumed    int       `json:"consumed"`
	Quarantined int       `json:"quarantined"`
	Stuck       int       `json:"stuck"`
	Images      int       `json:"images"`
	Outcomes    []Outcome `json:"outcomes"`
	Errors      []string  `json:"errors,omitempty"`
	Duration    string    `json:"duration"`
}

// Extractor unpacks archives claimed from the landing queue.
type Extractor struct {
	Store          objstore.Claimable
	Queue          *claim.Queue
	Layout         dataset.Layout
	SpillThreshold int64
	SpillDir       string
	ImageExts      []string
	Workers        int
	Metrics        *metrics.PipelineMetrics
}

// NewExtractor builds an extractor from configuration.
func NewExtractor(store objstore.Claimable, layout dataset.Layout, cfg *config.Config) *Extractor {
	return &Extractor{
		Store:          store,
		Queue:          claim.NewQueue(store, cfg.Landing.Prefix, cfg.Landing.ProcessingPrefix, cfg.Landing.FailedPrefix),
		Layout:         layout,
		SpillThreshold: cfg.Extract.SpillThreshold.Bytes(),
		SpillDir:       cfg.Extract.SpillDir,
		ImageExts:      cfg.Extract.ImageExts,
		Workers:        cfg.Extract.Workers,
	}
}

// Run sweeps archives abandoned in processing, then claims and extracts
// every archive waiting in landing. Per-archive failures end up in the
// summary; only a failure to list the queue is returned as an error.
func (e *Extractor) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	logger := zerolog.Ctx(ctx).With().Str("stage", "extract").Str("dataset", e.Layout.Dataset).Logger()
	sum := &Summary{Dataset: e.Layout.Dataset, Outcomes: []Outcome{}}
	defer func() {
		sum.Duration = time.Since(start).Round(time.Millisecond).String()
		e.Metrics.ObserveStage("extract", time.Since(start))
	}()

	pending, err := e.Queue.Pending(ctx)
	if err != nil {
		return sum, err
	}

	var mu sync.Mutex
	record := func(out Outcome) {
		mu.Lock()
		defer mu.Unlock()
		sum.Outcomes = append(sum.Outcomes, out)
		switch out.Status {
		case StatusConsumed:
			sum.Consumed++
			sum.Images += out.Images
		case StatusQuarantined:
			sum.Quarantined++
		case StatusStuck:
			sum.Stuck++
		}
	}

	// Abandoned archives are finished before landing is even listed.
	var sweep errgroup.Group
	sweep.SetLimit(max(e.Workers, 1))
	for _, a := range pending {
		sweep.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			sum.Recovered++
			mu.Unlock()
			record(e.ExtractOne(ctx, a.Key))
			return nil
		})
	}
	_ = sweep.Wait()
	if len(pending) > 0 {
		logger.Info().Int("pending", len(pending)).Msg("abandoned archives swept")
	}

	candidates, err := e.Queue.Candidates(ctx)
	if err != nil {
		return sum, err
	}
	logger.Info().Int("candidates", len(candidates)).Msg("extraction started")

	var g errgroup.Group
	g.SetLimit(max(e.Workers, 1))
	for _, a := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			claimed, ok, err := e.Queue.Claim(ctx, a.Key, a.Version)
			if err != nil {
				mu.Lock()
				sum.Errors = append(sum.Errors, err.Error())
				mu.Unlock()
				return nil
			}
			if !ok {
				e.Metrics.Archive("lost_race")
				mu.Lock()
				sum.LostRaces++
				mu.Unlock()
				return nil
			}
			e.Metrics.Archive("claimed")
			mu.Lock()
			sum.Claimed++
			mu.Unlock()
			record(e.ExtractOne(ctx, claimed))
			return nil
		})
	}
	_ = g.Wait()

	logger.Info().
		Int("consumed", sum.Consumed).
		Int("quarantined", sum.Quarantined).
		Int("lost_races", sum.LostRaces).
		Int("images", sum.Images).
		Msg("extraction finished")
	return sum, ctx.Err()
}

// ExtractOne extracts a claimed archive and settles it: consumed on success,
// quarantined with the failure reason otherwise.
func (e *Extractor) ExtractOne(ctx context.Context, claimedKey string) Outcome {
	logger := zerolog.Ctx(ctx).With().Str("key", claimedKey).Logger()
	out := Outcome{Key: claimedKey}

	err := e.extract(ctx, claimedKey, &out)
	if errors.Is(err, errGone) {
		logger.Debug().Msg("archive already settled elsewhere")
		out.Status = StatusGone
		return out
	}
	if err == nil {
		if err := e.Queue.Complete(ctx, claimedKey); err != nil {
			// The data is in place; a lingering archive is re-extracted later.
			logger.Warn().Err(err).Msg("failed to remove consumed archive")
		}
		out.Status = StatusConsumed
		e.Metrics.Archive("consumed")
		e.Metrics.Extracted(out.Images)
		logger.Info().Int("images", out.Images).Int("documents", out.Documents).Msg("archive consumed")
		return out
	}

	out.Reason = err.Error()
	logger.Warn().Err(err).Msg("archive failed, quarantining")
	dst, qerr := e.Queue.Quarantine(ctx, claimedKey, out.Reason)
	if qerr != nil && dst == "" {
		logger.Error().Err(qerr).Msg("quarantine failed, archive left in processing")
		out.Status = StatusStuck
		return out
	}
	if qerr != nil {
		logger.Warn().Err(qerr).Msg("quarantined copy written but claimed archive not removed")
	}
	out.Status = StatusQuarantined
	out.Quarantine = dst
	e.Metrics.Archive("quarantined")
	return out
}

func (e *Extractor) extract(ctx context.Context, key string, out *Outcome) error {
	rc, info, err := e.Store.GetObject(ctx, key)
	if errors.Is(err, objstore.ErrObjectNotFound) {
		return errGone
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	spool := NewSpool(e.SpillDir, e.SpillThreshold, info.Size)
	defer func() { _ = spool.Close() }()

	_, err = io.Copy(spool, rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	out.Spilled = spool.Spilled()

	zr, err := zip.NewReader(spool, spool.Size())
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	// Annotations are parsed before any image is written so a malformed
	// archive leaves the raw prefix untouched.
	var docs []*dataset.Document
	var images []*zip.File
	for _, f := range zr.File {
		switch e.classify(f) {
		case entryImage:
			images = append(images, f)
		case entryAnnotations:
			doc, err := readDocument(f)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		default:
			out.Skipped++
		}
	}
	if len(docs) == 0 {
		return ErrNoAnnotations
	}
	merged, err := dataset.Merge(docs...)
	if err != nil {
		return err
	}
	out.Documents = len(docs)
	out.Annotations = len(merged.Annotations)

	for _, f := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.putImage(ctx, f); err != nil {
			return err
		}
		out.Images++
	}

	if err := dataset.SaveCanonical(ctx, e.Store, e.Layout, merged); err != nil {
		return err
	}
	_, err = objstore.PutBytes(ctx, e.Store, e.Layout.RawReadyKey(), []byte(time.Now().UTC().Format(time.RFC3339)), objstore.PutOptions{
		ContentType: "text/plain",
		Tags:        map[string]string{"stage": "raw"},
	})
	if err != nil {
		return fmt.Errorf("write raw ready marker: %w", err)
	}
	return nil
}

var errGone = errors.New("archive gone")

type entryKind int

const (
	entryOther entryKind = iota
	entryImage
	entryAnnotations
)

func (e *Extractor) classify(f *zip.File) entryKind {
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return entryOther
	}
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return entryOther
	}
	base := strings.ToLower(path.Base(name))
	if strings.HasPrefix(base, "._") {
		return entryOther
	}
	ext := path.Ext(base)
	for _, want := range e.ImageExts {
		if ext == strings.ToLower(want) {
			return entryImage
		}
	}
	if ext == ".json" && strings.Contains(base, "coco") {
		return entryAnnotations
	}
	return entryOther
}

func readDocument(f *zip.File) (*dataset.Document, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	doc, err := dataset.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Name, err)
	}
	return doc, nil
}

func (e *Extractor) putImage(ctx context.Context, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	key := e.Layout.RawImageKey(f.Name)
	_, err = e.Store.PutObject(ctx, key, rc, objstore.PutOptions{
		ContentType: objstore.ContentTypeFor(key),
		Tags:        map[string]string{"stage": "raw"},
	})
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return fmt.Errorf("corrupt entry %s: %w", f.Name, err)
		}
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
