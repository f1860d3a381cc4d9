package pipeline

import (
	"context"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/extract"
	"github.com/dermavision/curator/internal/manifest"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/normalize"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/dermavision/curator/internal/validate"
	"github.com/rs/zerolog"
)

// Stages builds and runs each stage against one store.
type Stages struct {
	Store   objstore.Claimable
	Config  *config.Config
	Metrics *metrics.PipelineMetrics
	// Next receives the validate request the manifest stage issues.
	// Nil skips chaining.
	Next StageTrigger
}

func (s *Stages) layout(name string) dataset.Layout {
	if name == "" {
		name = s.Config.Dataset
	}
	return dataset.NewLayout(name)
}

// Extract runs the archive extractor.
func (s *Stages) Extract(ctx context.Context, name string) (*extract.Summary, error) {
	e := extract.NewExtractor(s.Store, s.layout(name), s.Config)
	e.Metrics = s.Metrics
	return e.Run(ctx)
}

// Normalize runs the image normalizer.
func (s *Stages) Normalize(ctx context.Context, name string) (*normalize.Summary, error) {
	n, err := normalize.NewNormalizer(s.Store, s.layout(name), s.Config)
	if err != nil {
		return nil, err
	}
	n.Metrics = s.Metrics
	return n.Run(ctx)
}

// Manifest builds the manifests.
func (s *Stages) Manifest(ctx context.Context, name string) (*manifest.Result, error) {
	b := manifest.NewBuilder(s.Store, s.layout(name), s.Config)
	b.Metrics = s.Metrics
	return b.Build(ctx)
}

// Validate writes the validation report.
func (s *Stages) Validate(ctx context.Context, name string, counts *validate.ManifestCounts) (*validate.Report, error) {
	v := validate.NewValidator(s.Store, s.layout(name))
	v.Metrics = s.Metrics
	return v.Run(ctx, counts)
}

// Counts converts a manifest result into the figures the validator merges.
func Counts(res *manifest.Result) *validate.ManifestCounts {
	if res == nil {
		return nil
	}
	return &validate.ManifestCounts{
		Train:         res.Train,
		Val:           res.Val,
		Dropped:       res.Dropped,
		Balanced:      res.Balanced,
		TrainPerClass: res.TrainPerClass,
		ValPerClass:   res.ValPerClass,
	}
}

// Local returns a trigger running every stage in-process. Unless Next is
// already set, the manifest stage chains validation through it.
func (s *Stages) Local() *LocalTrigger {
	t := NewLocalTrigger()
	if s.Next == nil {
		s.Next = t
	}
	t.Register(StageExtract, func(ctx context.Context, req StageRequest) error {
		_, err := s.Extract(ctx, req.Dataset)
		return err
	})
	t.Register(StageNormalize, func(ctx context.Context, req StageRequest) error {
		sum, err := s.Normalize(ctx, req.Dataset)
		if err != nil {
			return err
		}
		if sum.Failed > 0 {
			zerolog.Ctx(ctx).Warn().Int("failed", sum.Failed).Str("dataset", sum.Dataset).Msg("normalization left images behind")
		}
		return nil
	})
	t.Register(StageManifest, func(ctx context.Context, req StageRequest) error {
		res, err := s.Manifest(ctx, req.Dataset)
		if err != nil {
			return err
		}
		s.chainValidate(ctx, req, res)
		return nil
	})
	t.Register(StageValidate, func(ctx context.Context, req StageRequest) error {
		_, err := s.Validate(ctx, req.Dataset, req.Counts)
		return err
	})
	return t
}

// chainValidate hands the manifest counts to the validator. The manifests
// are already written, so a failed trigger is logged and counted but does
// not fail the manifest stage.
func (s *Stages) chainValidate(ctx context.Context, from StageRequest, res *manifest.Result) {
	if s.Next == nil || !s.Config.Orchestrator.RunValidator {
		return
	}
	req := StageRequest{Stage: StageValidate, Dataset: s.layout(from.Dataset).Dataset, RunID: from.RunID, Counts: Counts(res)}
	if err := s.Next.Trigger(ctx, req, true); err != nil {
		s.Metrics.TriggerFailed(string(StageValidate))
		zerolog.Ctx(ctx).Warn().Err(err).Str("dataset", req.Dataset).Msg("validate trigger failed")
	}
}
