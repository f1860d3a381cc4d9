package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	info ObjectInfo
	data []byte
}

// MemStore is an in-memory Claimable with the same semantics as a FileStore
// bucket. It backs tests and --memory dry runs.
type MemStore struct {
	name string

	mu      sync.RWMutex
	objects map[string]*memObject
	seq     uint64
}

// NewMemStore returns an empty in-memory bucket.
func NewMemStore(name string) *MemStore {
	return &MemStore{name: name, objects: make(map[string]*memObject)}
}

// nextVersion returns a strictly increasing version ID (caller must hold lock).
func (m *MemStore) nextVersion() string {
	m.seq++
	return fmt.Sprintf("%d-%06d", time.Now().UnixNano(), m.seq)
}

func (m *MemStore) PutObject(ctx context.Context, key string, r io.Reader, opts PutOptions) (*ObjectInfo, error) {
	if err := validateName(key); err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidRequest, key, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload canceled: %w", err)
	}

	sum := md5.Sum(data)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj := &memObject{
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:])),
			VersionID:    m.nextVersion(),
			LastModified: time.Now().UTC(),
			Metadata:     cloneMap(opts.Metadata),
			Tags:         cloneMap(opts.Tags),
		},
		data: data,
	}
	m.objects[key] = obj
	return cloneInfo(obj.info), nil
}

func (m *MemStore) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), cloneInfo(obj.info), nil
}

func (m *MemStore) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return cloneInfo(obj.info), nil
}

func (m *MemStore) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) CopyObject(ctx context.Context, src, dst string, cond CopyConditions) (*ObjectInfo, error) {
	if err := validateName(dst); err != nil {
		return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidRequest, dst, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[src]
	if !ok {
		return nil, ErrObjectNotFound
	}
	if !ifMatch(cond.IfMatch, &obj.info) {
		return nil, ErrPreconditionFailed
	}

	info := obj.info
	info.Key = dst
	info.VersionID = m.nextVersion()
	info.LastModified = time.Now().UTC()
	info.Metadata = cloneMap(obj.info.Metadata)
	if cond.Metadata != nil {
		info.Metadata = cloneMap(cond.Metadata)
	}
	info.Tags = copyTags(obj.info.Tags, cond)

	m.objects[dst] = &memObject{info: info, data: obj.data}
	return cloneInfo(info), nil
}

func (m *MemStore) ListObjects(ctx context.Context, prefix, marker string, maxKeys int) ([]ObjectInfo, bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var truncated bool
	var next string
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
		truncated = true
		next = keys[len(keys)-1]
	}

	out := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, *cloneInfo(m.objects[k].info))
	}
	return out, truncated, next, nil
}

func (m *MemStore) URI(scheme, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, m.name, key)
}

// Keys returns all keys in lexical order.
func (m *MemStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Claimable = (*MemStore)(nil)
