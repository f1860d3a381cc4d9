package objstore

import (
	"context"
	"crypto/md5"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// BucketMeta contains bucket metadata.
type BucketMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// objectRecord is the on-disk metadata of one object.
type objectRecord struct {
	ObjectInfo
	Chunks []string `json:"chunks,omitempty"` // Ordered chunk hashes
}

// FileStore is a filesystem-backed, multi-bucket object store with
// content-addressed, compressed and encrypted chunks.
// Directory structure:
//
//	{dataDir}/
//	  chunks/
//	    {ab}/{hash}            # content-addressed chunk
//	  buckets/
//	    {bucket}/
//	      _meta.json           # bucket metadata
//	      meta/
//	        {key}.json         # object metadata (version ID, tags, chunk list)
//
// Metadata changes happen under mu, which makes the conditional copy an
// atomic compare-and-swap within the process. Chunk garbage collection holds
// gcMu exclusively so it never races a put that has written chunks but not
// yet committed the metadata referencing them.
type FileStore struct {
	dataDir string
	chunks  *chunkStore
	metrics *StoreMetrics

	mu   sync.RWMutex
	gcMu sync.RWMutex
}

// NewFileStore opens (or creates) a store rooted at dataDir.
func NewFileStore(dataDir string, masterKey [32]byte) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "buckets"), 0755); err != nil {
		return nil, fmt.Errorf("create buckets dir: %w", err)
	}
	cs, err := newChunkStore(filepath.Join(dataDir, "chunks"), masterKey)
	if err != nil {
		return nil, err
	}
	return &FileStore{dataDir: dataDir, chunks: cs}, nil
}

// DataDir returns the data directory path.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// SetMetrics enables request metrics.
func (s *FileStore) SetMetrics(m *StoreMetrics) {
	s.metrics = m
}

// syncedWriteFile writes data to a temp file, fsyncs it and renames it into
// place so readers never observe a partial metadata file. fsync is skipped
// when CURATOR_TEST is set.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return err
	}
	if os.Getenv("CURATOR_TEST") == "" {
		if err := f.Sync(); err != nil {
			cleanup()
			return err
		}
	}
	if err := f.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// validateName rejects bucket names and keys that could escape the data dir.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name")
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("absolute paths not allowed")
	}
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, ".\\") {
		return fmt.Errorf("relative paths not allowed")
	}
	return nil
}

func validateKey(bucket, key string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("%w: bucket name: %v", ErrInvalidRequest, err)
	}
	if err := validateName(key); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrInvalidRequest, key, err)
	}
	return nil
}

func (s *FileStore) bucketPath(bucket string) string {
	return filepath.Join(s.dataDir, "buckets", bucket)
}

func (s *FileStore) bucketMetaPath(bucket string) string {
	return filepath.Join(s.bucketPath(bucket), "_meta.json")
}

func (s *FileStore) objectMetaPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "meta", key+".json")
}

// generateVersionID creates a unique, sortable version ID: {unixNano}-{random6hex}.
func generateVersionID() string {
	var randomBytes [4]byte
	_, _ = cryptorand.Read(randomBytes[:])
	randomInt := binary.BigEndian.Uint32(randomBytes[:]) & 0xFFFFFF
	return fmt.Sprintf("%d-%06x", time.Now().UnixNano(), randomInt)
}

// CreateBucket creates a new bucket.
func (s *FileStore) CreateBucket(ctx context.Context, bucket string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("%w: bucket name: %v", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.bucketMetaPath(bucket)); err == nil {
		return ErrBucketExists
	}
	if err := os.MkdirAll(filepath.Join(s.bucketPath(bucket), "meta"), 0755); err != nil {
		return fmt.Errorf("create bucket meta dir: %w", err)
	}

	data, err := json.MarshalIndent(BucketMeta{Name: bucket, CreatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bucket meta: %w", err)
	}
	if err := syncedWriteFile(s.bucketMetaPath(bucket), data, 0644); err != nil {
		return fmt.Errorf("write bucket meta: %w", err)
	}
	return nil
}

// HeadBucket returns bucket metadata.
func (s *FileStore) HeadBucket(ctx context.Context, bucket string) (*BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBucketMeta(bucket)
}

// getBucketMeta reads bucket metadata (caller must hold lock).
func (s *FileStore) getBucketMeta(bucket string) (*BucketMeta, error) {
	if err := validateName(bucket); err != nil {
		return nil, fmt.Errorf("%w: bucket name: %v", ErrInvalidRequest, err)
	}
	data, err := os.ReadFile(s.bucketMetaPath(bucket))
	if os.IsNotExist(err) {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket meta: %w", err)
	}
	var meta BucketMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal bucket meta: %w", err)
	}
	return &meta, nil
}

// ListBuckets returns all buckets.
func (s *FileStore) ListBuckets(ctx context.Context) ([]BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dataDir, "buckets"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read buckets dir: %w", err)
	}

	var buckets []BucketMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.getBucketMeta(entry.Name())
		if err != nil {
			continue // Skip buckets with invalid metadata
		}
		buckets = append(buckets, *meta)
	}
	return buckets, nil
}

// Bucket returns a single-bucket view of the store.
func (s *FileStore) Bucket(name string) *Bucket {
	return &Bucket{store: s, name: name}
}

// EnsureBucket creates the bucket if it does not exist and returns its view.
func (s *FileStore) EnsureBucket(ctx context.Context, name string) (*Bucket, error) {
	err := s.CreateBucket(ctx, name)
	if err != nil && !errors.Is(err, ErrBucketExists) {
		return nil, err
	}
	return s.Bucket(name), nil
}

// getObjectRecord reads object metadata (caller must hold lock).
func (s *FileStore) getObjectRecord(bucket, key string) (*objectRecord, error) {
	data, err := os.ReadFile(s.objectMetaPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}
	var rec objectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &rec, nil
}

// putObjectRecord writes object metadata (caller must hold lock) and returns
// the chunks of the record it replaced, if any.
func (s *FileStore) putObjectRecord(bucket string, rec *objectRecord) ([]string, error) {
	var replaced []string
	if old, err := s.getObjectRecord(bucket, rec.Key); err == nil {
		replaced = old.Chunks
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal object meta: %w", err)
	}
	if err := syncedWriteFile(s.objectMetaPath(bucket, rec.Key), data, 0644); err != nil {
		return nil, fmt.Errorf("write object meta: %w", err)
	}
	return replaced, nil
}

// PutObject streams r into the store under bucket/key, replacing any
// existing object.
func (s *FileStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) (info *ObjectInfo, err error) {
	defer s.observe("put", time.Now(), &err)

	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}
	if _, err := s.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}

	s.gcMu.RLock()
	replaced, info, err := s.putLocked(ctx, bucket, key, r, opts)
	s.gcMu.RUnlock()
	if err != nil {
		return nil, err
	}

	s.collectGarbage(ctx, replaced)
	if s.metrics != nil {
		s.metrics.RecordUpload(info.Size)
	}
	return info, nil
}

// putLocked writes chunks and commits metadata; caller holds gcMu for reading.
func (s *FileStore) putLocked(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) ([]string, *ObjectInfo, error) {
	ch := newChunker(r)
	md5Hasher := md5.New()
	var hashes []string
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("upload canceled: %w", err)
		}
		chunk, hash, err := ch.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read chunk: %w", err)
		}
		if err := s.chunks.write(hash, chunk); err != nil {
			return nil, nil, fmt.Errorf("write chunk %s: %w", hash, err)
		}
		md5Hasher.Write(chunk)
		hashes = append(hashes, hash)
		written += int64(len(chunk))
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	rec := &objectRecord{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         written,
			ContentType:  contentType,
			ETag:         fmt.Sprintf("\"%s\"", hex.EncodeToString(md5Hasher.Sum(nil))),
			VersionID:    generateVersionID(),
			LastModified: time.Now().UTC(),
			Metadata:     cloneMap(opts.Metadata),
			Tags:         cloneMap(opts.Tags),
		},
		Chunks: hashes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced, err := s.putObjectRecord(bucket, rec)
	if err != nil {
		return nil, nil, err
	}
	return replaced, cloneInfo(rec.ObjectInfo), nil
}

// GetObject returns a streaming reader over the object's content.
func (s *FileStore) GetObject(ctx context.Context, bucket, key string) (rc io.ReadCloser, info *ObjectInfo, err error) {
	defer s.observe("get", time.Now(), &err)

	if err := validateKey(bucket, key); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, nil, err
	}
	rec, err := s.getObjectRecord(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordDownload(rec.Size)
	}
	return newChunkReader(ctx, s.chunks, rec.Chunks), cloneInfo(rec.ObjectInfo), nil
}

// HeadObject returns object metadata without the body.
func (s *FileStore) HeadObject(ctx context.Context, bucket, key string) (info *ObjectInfo, err error) {
	defer s.observe("head", time.Now(), &err)

	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, err
	}
	rec, err := s.getObjectRecord(bucket, key)
	if err != nil {
		return nil, err
	}
	return cloneInfo(rec.ObjectInfo), nil
}

// DeleteObject permanently removes an object. Chunks no longer referenced by
// any object are removed too. Deleting a missing object is not an error.
func (s *FileStore) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	if err := validateKey(bucket, key); err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.getBucketMeta(bucket); err != nil {
		s.mu.Unlock()
		return err
	}
	rec, err := s.getObjectRecord(bucket, key)
	if errors.Is(err, ErrObjectNotFound) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.Remove(s.objectMetaPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("remove object meta: %w", err)
	}
	s.pruneEmptyDirs(bucket, key)
	s.mu.Unlock()

	s.collectGarbage(ctx, rec.Chunks)
	return nil
}

// pruneEmptyDirs removes directories left empty under meta/ (caller must hold lock).
func (s *FileStore) pruneEmptyDirs(bucket, key string) {
	root := filepath.Join(s.bucketPath(bucket), "meta")
	dir := filepath.Dir(s.objectMetaPath(bucket, key))
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return // Not empty
		}
		dir = filepath.Dir(dir)
	}
}

// CopyObject copies src to dst within bucket. The copy shares the source's
// chunks. When cond.IfMatch is set, the source's version token is compared
// and the copy made under one lock, so of several concurrent conditional
// copies of the same version exactly one succeeds.
func (s *FileStore) CopyObject(ctx context.Context, bucket, src, dst string, cond CopyConditions) (info *ObjectInfo, err error) {
	defer s.observe("copy", time.Now(), &err)

	if err := validateKey(bucket, src); err != nil {
		return nil, err
	}
	if err := validateKey(bucket, dst); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, err := s.getBucketMeta(bucket); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	srcRec, err := s.getObjectRecord(bucket, src)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !ifMatch(cond.IfMatch, &srcRec.ObjectInfo) {
		s.mu.Unlock()
		return nil, ErrPreconditionFailed
	}

	metadata := srcRec.Metadata
	if cond.Metadata != nil {
		metadata = cond.Metadata
	}
	rec := &objectRecord{
		ObjectInfo: ObjectInfo{
			Key:          dst,
			Size:         srcRec.Size,
			ContentType:  srcRec.ContentType,
			ETag:         srcRec.ETag,
			VersionID:    generateVersionID(),
			LastModified: time.Now().UTC(),
			Metadata:     cloneMap(metadata),
			Tags:         copyTags(srcRec.Tags, cond),
		},
		Chunks: append([]string(nil), srcRec.Chunks...),
	}
	replaced, err := s.putObjectRecord(bucket, rec)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.collectGarbage(ctx, replaced)
	return cloneInfo(rec.ObjectInfo), nil
}

// ListObjects lists objects in a bucket with optional prefix filter and
// pagination. marker is the key to start after (exclusive).
func (s *FileStore) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (objects []ObjectInfo, truncated bool, next string, err error) {
	defer s.observe("list", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, false, "", err
	}

	metaDir := filepath.Join(s.bucketPath(bucket), "meta")
	var paths []string
	err = filepath.WalkDir(metaDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || strings.HasPrefix(d.Name(), ".meta-") {
			return nil
		}
		rel, err := filepath.Rel(metaDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, ".json"))
		if strings.HasPrefix(key, prefix) && key > marker {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, false, "", fmt.Errorf("walk meta dir: %w", err)
	}
	sort.Strings(paths)

	if maxKeys > 0 && len(paths) > maxKeys {
		paths = paths[:maxKeys]
		truncated = true
	}
	for _, key := range paths {
		if err := ctx.Err(); err != nil {
			return nil, false, "", err
		}
		rec, err := s.getObjectRecord(bucket, key)
		if err != nil {
			continue // Removed concurrently or unreadable
		}
		objects = append(objects, *cloneInfo(rec.ObjectInfo))
	}
	if truncated {
		next = paths[len(paths)-1]
	}
	return objects, truncated, next, nil
}

// collectGarbage removes candidate chunks no object references any more.
func (s *FileStore) collectGarbage(ctx context.Context, candidates []string) {
	if len(candidates) == 0 {
		return
	}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := s.referencedChunks()
	for _, hash := range candidates {
		if _, ok := refs[hash]; ok {
			continue
		}
		_ = s.chunks.remove(hash)
		refs[hash] = struct{}{} // Already handled
	}
}

// referencedChunks returns every chunk referenced by any object in any
// bucket (caller must hold lock).
func (s *FileStore) referencedChunks() map[string]struct{} {
	refs := make(map[string]struct{})
	bucketsDir := filepath.Join(s.dataDir, "buckets")
	_ = filepath.WalkDir(bucketsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".json" || d.Name() == "_meta.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var rec objectRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		for _, h := range rec.Chunks {
			refs[h] = struct{}{}
		}
		return nil
	})
	return refs
}

func (s *FileStore) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		switch {
		case errors.Is(*errp, ErrObjectNotFound):
			status = "not_found"
		case errors.Is(*errp, ErrPreconditionFailed):
			status = "precondition_failed"
		default:
			status = "error"
		}
	}
	s.metrics.RecordRequest(op, status, time.Since(start).Seconds())
}

// chunkReader streams object content, loading one chunk at a time.
type chunkReader struct {
	// io.Reader has no context parameter; the context is checked per Read.
	ctx    context.Context
	chunks *chunkStore
	hashes []string
	idx    int
	cur    []byte
}

func newChunkReader(ctx context.Context, cs *chunkStore, hashes []string) *chunkReader {
	return &chunkReader{ctx: ctx, chunks: cs, hashes: hashes}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, fmt.Errorf("read cancelled: %w", err)
	}
	n := 0
	for n < len(p) {
		if len(r.cur) == 0 {
			if r.idx >= len(r.hashes) {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			data, err := r.chunks.read(r.hashes[r.idx])
			if err != nil {
				return n, err
			}
			r.cur = data
			r.idx++
		}
		c := copy(p[n:], r.cur)
		r.cur = r.cur[c:]
		n += c
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cur = nil
	return nil
}

// Bucket binds a FileStore to one bucket and implements Claimable.
type Bucket struct {
	store *FileStore
	name  string
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

func (b *Bucket) PutObject(ctx context.Context, key string, r io.Reader, opts PutOptions) (*ObjectInfo, error) {
	return b.store.PutObject(ctx, b.name, key, r, opts)
}

func (b *Bucket) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	return b.store.GetObject(ctx, b.name, key)
}

func (b *Bucket) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	return b.store.HeadObject(ctx, b.name, key)
}

func (b *Bucket) DeleteObject(ctx context.Context, key string) error {
	return b.store.DeleteObject(ctx, b.name, key)
}

func (b *Bucket) ListObjects(ctx context.Context, prefix, marker string, maxKeys int) ([]ObjectInfo, bool, string, error) {
	return b.store.ListObjects(ctx, b.name, prefix, marker, maxKeys)
}

func (b *Bucket) CopyObject(ctx context.Context, src, dst string, cond CopyConditions) (*ObjectInfo, error) {
	return b.store.CopyObject(ctx, b.name, src, dst, cond)
}

func (b *Bucket) URI(scheme, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, b.name, key)
}

var _ Claimable = (*Bucket)(nil)
