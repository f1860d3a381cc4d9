// Package claim turns the landing prefix of the object store into a work
// queue. An archive is claimed by conditionally copying it to the processing
// prefix: of several workers racing on the same version, exactly one copy
// succeeds. Claimed archives end either consumed (deleted) or quarantined
// under the failed prefix; nothing moves back to landing.
package claim

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dermavision/curator/internal/objstore"
	"github.com/rs/zerolog"
)

// Archive is a queued archive and the version token it was listed with.
type Archive struct {
	Key     string
	Version string
	Size    int64
}

// Queue claims archives from landing into processing.
type Queue struct {
	Store      objstore.Claimable
	Landing    string // e.g. "landing/"
	Processing string // e.g. "landing/_processing/"
	Failed     string // e.g. "landing/_failed/"
}

// NewQueue returns a queue over the given prefixes.
func NewQueue(store objstore.Claimable, landing, processing, failed string) *Queue {
	return &Queue{Store: store, Landing: landing, Processing: processing, Failed: failed}
}

func isArchive(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), ".zip")
}

// relName returns key relative to prefix, preserving any sub-path.
func relName(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// Candidates lists archives waiting under landing, excluding the processing
// and failed prefixes even when they nest under landing.
func (q *Queue) Candidates(ctx context.Context) ([]Archive, error) {
	objs, err := objstore.ListAll(ctx, q.Store, q.Landing)
	if err != nil {
		return nil, fmt.Errorf("list landing: %w", err)
	}
	var out []Archive
	for _, o := range objs {
		if strings.HasPrefix(o.Key, q.Processing) || strings.HasPrefix(o.Key, q.Failed) {
			continue
		}
		if !isArchive(o.Key) {
			continue
		}
		out = append(out, Archive{Key: o.Key, Version: o.VersionToken(), Size: o.Size})
	}
	return out, nil
}

// Pending lists archives left in processing, abandoned by a crashed run.
func (q *Queue) Pending(ctx context.Context) ([]Archive, error) {
	objs, err := objstore.ListAll(ctx, q.Store, q.Processing)
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	var out []Archive
	for _, o := range objs {
		if !isArchive(o.Key) {
			continue
		}
		out = append(out, Archive{Key: o.Key, Version: o.VersionToken(), Size: o.Size})
	}
	return out, nil
}

// Claim moves key from landing to processing if its version still equals
// version. A lost race returns ("", false, nil).
func (q *Queue) Claim(ctx context.Context, key, version string) (string, bool, error) {
	logger := zerolog.Ctx(ctx).With().Str("key", key).Logger()
	dst := q.Processing + relName(key, q.Landing)

	_, err := q.Store.CopyObject(ctx, key, dst, objstore.CopyConditions{
		IfMatch:          version,
		Tags:             map[string]string{"stage": "processing"},
		TaggingDirective: objstore.TaggingReplace,
	})
	if errors.Is(err, objstore.ErrPreconditionFailed) || errors.Is(err, objstore.ErrObjectNotFound) {
		logger.Debug().Msg("claim lost to another worker")
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", key, err)
	}

	// A lingering source gets claimed again by a later run; extraction is
	// idempotent, so the claim stands.
	if err := q.Store.DeleteObject(ctx, key); err != nil {
		logger.Warn().Err(err).Msg("failed to delete claimed landing object")
	}
	logger.Info().Str("claimed", dst).Msg("archive claimed")
	return dst, true, nil
}

// Complete marks a claimed archive consumed by deleting it.
func (q *Queue) Complete(ctx context.Context, claimedKey string) error {
	if err := q.Store.DeleteObject(ctx, claimedKey); err != nil {
		return fmt.Errorf("complete %s: %w", claimedKey, err)
	}
	return nil
}

// Quarantine copies a claimed archive to the failed prefix tagged with the
// failure reason, then deletes it from processing. When the copy fails the
// archive stays in processing for the next sweep and the error is returned.
func (q *Queue) Quarantine(ctx context.Context, claimedKey, reason string) (string, error) {
	dst := q.Failed + relName(claimedKey, q.Processing)
	_, err := q.Store.CopyObject(ctx, claimedKey, dst, objstore.CopyConditions{
		Metadata: map[string]string{"failure-reason": reason},
		Tags: map[string]string{
			"stage":  "failed",
			"reason": TagValue(reason),
		},
		TaggingDirective: objstore.TaggingReplace,
	})
	if err != nil {
		return "", fmt.Errorf("quarantine %s: %w", claimedKey, err)
	}
	if err := q.Store.DeleteObject(ctx, claimedKey); err != nil {
		return dst, fmt.Errorf("remove quarantined %s: %w", claimedKey, err)
	}
	return dst, nil
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9 _.:/=+\-@]`)

// maxTagValue is the longest tag value object stores commonly accept.
const maxTagValue = 256

// TagValue sanitizes s for use as a tag value.
func TagValue(s string) string {
	s = tagUnsafe.ReplaceAllString(s, "_")
	if len(s) > maxTagValue {
		s = s[:maxTagValue]
	}
	return s
}
