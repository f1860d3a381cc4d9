// Package pipeline chains the curation stages: extraction, normalization,
// manifest building and validation.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dermavision/curator/internal/validate"
)

// Stage names one pipeline stage.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageManifest  Stage = "manifest"
	StageValidate  Stage = "validate"
)

// ErrUnknownStage is returned for a stage name outside the pipeline.
var ErrUnknownStage = errors.New("unknown stage")

// ParseStage parses a stage name.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageExtract, StageNormalize, StageManifest, StageValidate:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

// StageRequest asks for one stage to run against a dataset. Counts carry
// the manifest figures to the validator.
type StageRequest struct {
	Stage   Stage                    `json:"stage"`
	Dataset string                   `json:"dataset"`
	RunID   string                   `json:"run_id,omitempty"` // Pass that issued the request, if any
	Counts  *validate.ManifestCounts `json:"counts,omitempty"`
	Wait    bool                     `json:"wait"`
}

// StageTrigger starts a stage. With wait the call returns once the stage
// has finished and reports its error; otherwise it returns once the stage
// has been handed off.
type StageTrigger interface {
	Trigger(ctx context.Context, req StageRequest, wait bool) error
}
