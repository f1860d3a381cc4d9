package objstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Chunk encodings, stored as the first plaintext byte before encryption.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// chunkStore keeps content-addressed chunks on disk. A chunk is identified by
// the SHA-256 of its plaintext and stored as
// encrypt(encoding byte || maybe-zstd(plaintext)) with XChaCha20-Poly1305.
// Keys and nonces derive from the master key and the content hash, so equal
// content always yields equal ciphertext and dedupes.
type chunkStore struct {
	dir       string
	masterKey [32]byte

	encoders sync.Pool
	decoders sync.Pool
}

func newChunkStore(dir string, masterKey [32]byte) (*chunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}
	cs := &chunkStore{dir: dir, masterKey: masterKey}
	cs.encoders.New = func() interface{} {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return enc
	}
	cs.decoders.New = func() interface{} {
		dec, _ := zstd.NewReader(nil)
		return dec
	}
	return cs, nil
}

// path returns chunks/ab/abcdef...
func (cs *chunkStore) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(cs.dir, hash)
	}
	return filepath.Join(cs.dir, hash[:2], hash)
}

// write stores a chunk whose hash the caller already computed.
func (cs *chunkStore) write(hash string, data []byte) error {
	p := cs.path(hash)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	payload := cs.encode(data)
	sealed, err := cs.seal(hash, payload)
	if err != nil {
		return err
	}

	// Concurrent writers of the same hash produce identical bytes, so the
	// last rename winning is harmless.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp chunk: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}

// read returns a chunk's plaintext after verifying its hash.
func (cs *chunkStore) read(hash string) ([]byte, error) {
	sealed, err := os.ReadFile(cs.path(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunk not found: %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	payload, err := cs.open(hash, sealed)
	if err != nil {
		return nil, err
	}
	data, err := cs.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", hash, err)
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != hash {
		return nil, fmt.Errorf("chunk hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

func (cs *chunkStore) remove(hash string) error {
	if err := os.Remove(cs.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	return nil
}

// encode compresses data when that actually saves space. JPEG and PNG
// payloads usually do not shrink and are stored raw.
func (cs *chunkStore) encode(data []byte) []byte {
	enc := cs.encoders.Get().(*zstd.Encoder)
	defer cs.encoders.Put(enc)

	compressed := enc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	if len(compressed) < len(data)+1 {
		compressed[0] = encodingZstd
		return compressed
	}
	out := make([]byte, 1+len(data))
	out[0] = encodingRaw
	copy(out[1:], data)
	return out
}

func (cs *chunkStore) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty chunk payload")
	}
	switch payload[0] {
	case encodingRaw:
		return payload[1:], nil
	case encodingZstd:
		dec := cs.decoders.Get().(*zstd.Decoder)
		defer cs.decoders.Put(dec)
		return dec.DecodeAll(payload[1:], nil)
	default:
		return nil, fmt.Errorf("unknown chunk encoding %d", payload[0])
	}
}

// keyAndNonce derives the per-chunk key and nonce with HKDF-SHA256.
func (cs *chunkStore) keyAndNonce(hash string) (key [32]byte, nonce [24]byte, err error) {
	r := hkdf.New(sha256.New, cs.masterKey[:], []byte(hash), []byte("curator-chunk"))
	if _, err = io.ReadFull(r, key[:]); err != nil {
		return key, nonce, fmt.Errorf("derive chunk key: %w", err)
	}
	if _, err = io.ReadFull(r, nonce[:]); err != nil {
		return key, nonce, fmt.Errorf("derive chunk nonce: %w", err)
	}
	return key, nonce, nil
}

func (cs *chunkStore) seal(hash string, plaintext []byte) ([]byte, error) {
	key, nonce, err := cs.keyAndNonce(hash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func (cs *chunkStore) open(hash string, sealed []byte) ([]byte, error) {
	key, nonce, err := cs.keyAndNonce(hash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk %s: %w", hash, err)
	}
	return plaintext, nil
}
