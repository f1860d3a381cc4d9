package objstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// Chunk size bounds for content-defined chunking. Images and archives are
// large and mostly incompressible, so chunks are sized well above the
// typical metadata object.
const (
	minChunkSize = 16 << 10
	maxChunkSize = 1 << 20
	chunkMask    = 0xFFFF // ~64KB average past the minimum
	hashWindow   = 64
	buzhashSeed  = 0x2f6b9c1d
)

var buzhashTable [256]uint32

func init() {
	state := uint32(buzhashSeed)
	for i := range buzhashTable {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		buzhashTable[i] = state
	}
}

// chunker splits a stream into content-defined chunks using a buzhash
// rolling hash, so identical runs of bytes in different objects dedupe to
// the same chunks. Peak memory is one maximum-size chunk.
type chunker struct {
	r   io.Reader
	buf []byte
	n   int
	eof bool
}

func newChunker(r io.Reader) *chunker {
	return &chunker{r: r, buf: make([]byte, maxChunkSize)}
}

// next returns the next chunk and its SHA-256 hex digest, or io.EOF.
// The returned slice is only valid until the following call.
func (c *chunker) next() ([]byte, string, error) {
	if err := c.fill(); err != nil {
		return nil, "", err
	}
	if c.n == 0 {
		return nil, "", io.EOF
	}

	end := c.boundary()
	chunk := make([]byte, end)
	copy(chunk, c.buf[:end])
	c.n = copy(c.buf, c.buf[end:c.n])

	sum := sha256.Sum256(chunk)
	return chunk, hex.EncodeToString(sum[:]), nil
}

func (c *chunker) fill() error {
	for !c.eof && c.n < len(c.buf) {
		m, err := c.r.Read(c.buf[c.n:])
		c.n += m
		if errors.Is(err, io.EOF) {
			c.eof = true
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// boundary returns the length of the next chunk within buf[:n].
func (c *chunker) boundary() int {
	if c.n <= minChunkSize {
		return c.n
	}
	var h uint32
	for i := minChunkSize - hashWindow; i < minChunkSize; i++ {
		h = rol32(h, 1) ^ buzhashTable[c.buf[i]]
	}
	for i := minChunkSize; i < c.n; i++ {
		h = rol32(h, 1) ^ buzhashTable[c.buf[i]] ^ rol32(buzhashTable[c.buf[i-hashWindow]], hashWindow)
		if h&chunkMask == 0 {
			return i + 1
		}
	}
	return c.n
}

func rol32(x uint32, n uint32) uint32 {
	n %= 32
	return (x << n) | (x >> (32 - n))
}
