package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/extract"
	"github.com/dermavision/curator/internal/objstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TriggerError records a stage that could not be started or failed while
// waited on.
type TriggerError struct {
	Stage Stage  `json:"stage"`
	Error string `json:"error"`
}

// RunSummary reports one orchestrated pass.
type RunSummary struct {
	RunID           string           `json:"run_id"`
	Dataset         string           `json:"dataset"`
	OK              bool             `json:"ok"`
	Error           string           `json:"error,omitempty"`
	Extract         *extract.Summary `json:"extract,omitempty"`
	Idle            bool             `json:"idle,omitempty"` // Nothing new to process
	Ready           bool             `json:"ready"`
	ManifestSkipped bool             `json:"manifest_skipped"`
	TriggerErrors   []TriggerError   `json:"trigger_errors,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        string           `json:"duration"`
}

// Orchestrator chains one pass over a dataset: extraction, then
// normalization, a bounded wait for readiness and the manifest build.
type Orchestrator struct {
	Stages           *Stages
	Trigger          StageTrigger
	WaitForNormalize bool
	ReadyInterval    time.Duration
	ReadyTimeout     time.Duration
	// Force runs the downstream stages even when extraction found nothing
	// new and manifests already exist.
	Force bool
}

// NewOrchestrator builds an orchestrator from the stages' configuration.
func NewOrchestrator(stages *Stages, trigger StageTrigger) (*Orchestrator, error) {
	interval, err := stages.Config.ReadyInterval()
	if err != nil {
		return nil, err
	}
	timeout, err := stages.Config.ReadyTimeout()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		Stages:           stages,
		Trigger:          trigger,
		WaitForNormalize: stages.Config.Orchestrator.WaitForNormalize,
		ReadyInterval:    interval,
		ReadyTimeout:     timeout,
	}, nil
}

// Run performs one pass over the named dataset ("" for the configured
// one). Stage failures are recorded in the summary, never returned.
func (o *Orchestrator) Run(ctx context.Context, name string) *RunSummary {
	return o.RunWithID(ctx, name, uuid.NewString())
}

// RunWithID is Run under a caller-chosen run id.
func (o *Orchestrator) RunWithID(ctx context.Context, name, runID string) *RunSummary {
	start := time.Now()
	layout := o.Stages.layout(name)
	sum := &RunSummary{
		RunID:     runID,
		Dataset:   layout.Dataset,
		StartedAt: start.UTC(),
	}
	logger := zerolog.Ctx(ctx).With().Str("run_id", sum.RunID).Str("dataset", sum.Dataset).Logger()
	ctx = logger.WithContext(ctx)
	defer func() {
		sum.Duration = time.Since(start).Round(time.Millisecond).String()
		sum.OK = sum.Error == "" && len(sum.TriggerErrors) == 0 && !sum.ManifestSkipped
		if sum.OK {
			o.Stages.Metrics.RunSucceeded(sum.Dataset, time.Now())
		}
		logger.Info().
			Bool("ok", sum.OK).
			Bool("ready", sum.Ready).
			Bool("manifest_skipped", sum.ManifestSkipped).
			Int("trigger_errors", len(sum.TriggerErrors)).
			Str("duration", sum.Duration).
			Msg("pipeline run finished")
	}()

	ext, err := o.Stages.Extract(ctx, layout.Dataset)
	sum.Extract = ext
	if err != nil {
		sum.Error = err.Error()
		logger.Error().Err(err).Msg("extraction failed")
		return sum
	}

	if ext.Consumed > 0 {
		// New raw images invalidate any earlier readiness signal.
		if err := o.Stages.Store.DeleteObject(ctx, layout.ReadyKey()); err != nil {
			sum.Error = err.Error()
			return sum
		}
	} else if !o.Force {
		idle, err := o.idle(ctx, layout)
		if err != nil {
			sum.Error = err.Error()
			return sum
		}
		if idle {
			sum.Idle = true
			sum.Ready, _ = objstore.Exists(ctx, o.Stages.Store, layout.ReadyKey())
			logger.Debug().Msg("nothing new since the last manifest")
			return sum
		}
	}

	req := StageRequest{Stage: StageNormalize, Dataset: layout.Dataset, RunID: runID}
	if err := o.Trigger.Trigger(ctx, req, o.WaitForNormalize); err != nil {
		o.triggerFailed(ctx, sum, StageNormalize, err)
		sum.ManifestSkipped = true
		return sum
	}

	ready, err := WaitForReady(ctx, o.Stages.Store, layout.ReadyKey(), o.ReadyInterval, o.ReadyTimeout)
	if err != nil {
		sum.Error = err.Error()
		sum.ManifestSkipped = true
		return sum
	}
	sum.Ready = ready
	if !ready {
		sum.ManifestSkipped = true
		logger.Warn().Dur("timeout", o.ReadyTimeout).Msg("dataset not ready, manifest skipped until the next run")
		return sum
	}

	req = StageRequest{Stage: StageManifest, Dataset: layout.Dataset, RunID: runID}
	if err := o.Trigger.Trigger(ctx, req, true); err != nil {
		o.triggerFailed(ctx, sum, StageManifest, err)
	}
	return sum
}

// idle reports whether the downstream stages have nothing to do: there is
// no canonical set yet, or the manifests postdate it.
func (o *Orchestrator) idle(ctx context.Context, layout dataset.Layout) (bool, error) {
	canonical, err := o.Stages.Store.HeadObject(ctx, layout.RawAnnotationsKey())
	if errors.Is(err, objstore.ErrObjectNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	built, err := o.Stages.Store.HeadObject(ctx, layout.TrainManifestKey())
	if errors.Is(err, objstore.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !built.LastModified.Before(canonical.LastModified), nil
}

func (o *Orchestrator) triggerFailed(ctx context.Context, sum *RunSummary, stage Stage, err error) {
	o.Stages.Metrics.TriggerFailed(string(stage))
	sum.TriggerErrors = append(sum.TriggerErrors, TriggerError{Stage: stage, Error: err.Error()})
	zerolog.Ctx(ctx).Warn().Err(err).Str("stage", string(stage)).Msg("stage trigger failed")
}
