// Package objstore provides the object store the curation pipeline runs on.
// The store is at once durable storage, the archive work queue and the lock
// manager: conditional copies act as compare-and-swap on an object's version.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	ETag         string            `json:"etag"`       // Quoted MD5 of the content
	VersionID    string            `json:"version_id"` // Changes on every write, including copies
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// VersionToken returns the opaque token used for conditional copies.
func (o ObjectInfo) VersionToken() string {
	return o.VersionID
}

// PutOptions are optional attributes for a put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	Tags        map[string]string
}

// TaggingDirective selects how a copy treats tags.
type TaggingDirective string

const (
	TaggingCopy    TaggingDirective = "COPY"
	TaggingReplace TaggingDirective = "REPLACE"
)

// CopyConditions guard and decorate a copy.
type CopyConditions struct {
	// IfMatch, when non-empty, requires the source's current version token
	// (or ETag) to equal it; otherwise the copy fails with ErrPreconditionFailed.
	IfMatch string
	// Metadata replaces the source metadata when non-nil.
	Metadata map[string]string
	// Tags are applied only with TaggingReplace.
	Tags map[string]string
	// TaggingDirective defaults to COPY.
	TaggingDirective TaggingDirective
}

// Store is a single-bucket view of an object store.
type Store interface {
	PutObject(ctx context.Context, key string, r io.Reader, opts PutOptions) (*ObjectInfo, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
	// ListObjects lists keys with the prefix in lexical order, starting after
	// marker. Returns (objects, isTruncated, nextMarker, error).
	ListObjects(ctx context.Context, prefix, marker string, maxKeys int) ([]ObjectInfo, bool, string, error)
	// URI returns the external reference for key, e.g. s3://bucket/key.
	URI(scheme, key string) string
}

// Claimable is a Store that supports conditional copies.
type Claimable interface {
	Store
	CopyObject(ctx context.Context, src, dst string, cond CopyConditions) (*ObjectInfo, error)
}

// listPageSize is the page size ListAll requests.
const listPageSize = 1000

// ListAll returns every object under prefix, following pagination markers.
// Keys ending in "/" are folder placeholders and are skipped.
func ListAll(ctx context.Context, s Store, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	marker := ""
	for {
		page, truncated, next, err := s.ListObjects(ctx, prefix, marker, listPageSize)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page {
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			out = append(out, obj)
		}
		if !truncated || next == "" {
			return out, nil
		}
		marker = next
	}
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, s Store, key string, data []byte, opts PutOptions) (*ObjectInfo, error) {
	if opts.ContentType == "" {
		opts.ContentType = ContentTypeFor(key)
	}
	return s.PutObject(ctx, key, bytes.NewReader(data), opts)
}

// ReadAll reads the whole object at key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, *ObjectInfo, error) {
	rc, info, err := s.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, info, nil
}

// Exists reports whether key exists.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.HeadObject(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ContentTypeFor guesses a content type from the key's extension.
func ContentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	case ".manifest":
		return "application/x-ndjson"
	case ".zip":
		return "application/zip"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ifMatch reports whether cond matches the object's version token or ETag.
func ifMatch(cond string, info *ObjectInfo) bool {
	if cond == "" {
		return true
	}
	if cond == info.VersionID {
		return true
	}
	return strings.Trim(cond, `"`) == strings.Trim(info.ETag, `"`)
}

// copyTags resolves the tag set of a copy destination. COPY keeps the
// source tags and ignores cond.Tags.
func copyTags(src map[string]string, cond CopyConditions) map[string]string {
	if cond.TaggingDirective == TaggingReplace {
		return cloneMap(cond.Tags)
	}
	return cloneMap(src)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInfo(info ObjectInfo) *ObjectInfo {
	info.Metadata = cloneMap(info.Metadata)
	info.Tags = cloneMap(info.Tags)
	return &info
}
