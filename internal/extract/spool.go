package extract

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dermavision/curator/internal/objstore"
	"github.com/google/uuid"
)

// Spool buffers a stream in memory up to a threshold and spills everything
// to a temp file once the threshold would be exceeded. It serves random
// access reads for zip once filled.
type Spool struct {
	dir       string
	threshold int64
	expected  int64 // Size hint from the object listing, 0 if unknown

	buf  bytes.Buffer
	file *os.File
	size int64
}

// NewSpool returns a spool that spills into dir past threshold bytes.
func NewSpool(dir string, threshold, expected int64) *Spool {
	return &Spool{dir: dir, threshold: threshold, expected: expected}
}

// Write appends p, spilling to disk first if p would cross the threshold.
func (s *Spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.buf.Len())+int64(len(p)) > s.threshold {
		if err := s.spill(int64(len(p))); err != nil {
			return 0, err
		}
	}
	if s.file != nil {
		n, err := s.file.Write(p)
		s.size += int64(n)
		return n, err
	}
	n, _ := s.buf.Write(p)
	s.size += int64(n)
	return n, nil
}

func (s *Spool) spill(pending int64) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create spill dir: %w", err)
	}
	need := max(s.expected, int64(s.buf.Len())+pending)
	if err := objstore.EnsureFree(s.dir, need); err != nil {
		return fmt.Errorf("spill archive: %w", err)
	}

	name := filepath.Join(s.dir, "curator-spool-"+uuid.NewString())
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write spool file: %w", err)
	}
	s.buf = bytes.Buffer{}
	s.file = f
	return nil
}

// ReadAt implements io.ReaderAt over everything written so far.
func (s *Spool) ReadAt(p []byte, off int64) (int, error) {
	if s.file != nil {
		return s.file.ReadAt(p, off)
	}
	return bytes.NewReader(s.buf.Bytes()).ReadAt(p, off)
}

// Size returns the number of bytes written.
func (s *Spool) Size() int64 {
	return s.size
}

// Spilled reports whether the spool moved to disk.
func (s *Spool) Spilled() bool {
	return s.file != nil
}

// Close releases the buffer and removes any spill file.
func (s *Spool) Close() error {
	s.buf = bytes.Buffer{}
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	closeErr := s.file.Close()
	s.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return closeErr
}
