// Package chunk splits byte streams into size-bounded chunks and
// reassembles them, computing per-chunk and whole-file content hashes.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// ErrSourceRead marks a failure reading the source stream. It is fatal to
// the transfer that hit it and must not be retried.
var ErrSourceRead = errors.New("source read failed")

// Chunk is one size-bounded slice of a file's bytes.
type Chunk struct {
	Index int
	Data  []byte
	Hash  string
}

// Splitter lazily cuts a stream into chunks of at most the configured
// size. It is not restartable: each chunk is read from the source once.
type Splitter struct {
	r        io.Reader
	size     int64
	index    int
	fileHash hash.Hash
	emitted  bool
	done     bool
}

// NewSplitter returns a Splitter producing chunks of at most maxChunkSize
// bytes from r.
func NewSplitter(r io.Reader, maxChunkSize int64) *Splitter {
	return &Splitter{
		r:        r,
		size:     maxChunkSize,
		fileHash: sha256.New(),
	}
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
// A zero-length source yields exactly one empty chunk, so a file always
// has a non-empty manifest. Source failures are wrapped in ErrSourceRead.
func (s *Splitter) Next() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == io.EOF:
		s.done = true
		if s.emitted {
			return nil, io.EOF
		}
		// Empty source: emit a single empty chunk.
		buf = buf[:0]
	case err == io.ErrUnexpectedEOF:
		s.done = true
		buf = buf[:n]
	case err != nil:
		s.done = true
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrSourceRead, s.index, err)
	default:
		buf = buf[:n]
	}

	s.fileHash.Write(buf)
	c := &Chunk{
		Index: s.index,
		Data:  buf,
		Hash:  HashBytes(buf),
	}
	s.index++
	s.emitted = true
	return c, nil
}

// FileHash returns the accumulated whole-file hash. Only meaningful after
// Next has returned io.EOF.
func (s *Splitter) FileHash() string {
	return hex.EncodeToString(s.fileHash.Sum(nil))
}

// Count returns the number of chunks emitted so far.
func (s *Splitter) Count() int {
	return s.index
}

// NumChunks returns how many chunks a file of the given size splits into.
func NumChunks(fileSize, maxChunkSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + maxChunkSize - 1) / maxChunkSize)
}

// Assembler rebuilds a file from chunks written in index order, verifying
// contiguity and accumulating the whole-file hash.
type Assembler struct {
	w        io.Writer
	next     int
	fileHash hash.Hash
}

// NewAssembler returns an Assembler writing reassembled bytes to w.
func NewAssembler(w io.Writer) *Assembler {
	return &Assembler{w: w, fileHash: sha256.New()}
}

// Write appends one chunk. Chunks must arrive in index order with no gaps.
func (a *Assembler) Write(c *Chunk) error {
	if c.Index != a.next {
		return fmt.Errorf("chunk out of order: got %d, want %d", c.Index, a.next)
	}
	a.fileHash.Write(c.Data)
	if _, err := a.w.Write(c.Data); err != nil {
		return fmt.Errorf("write chunk %d: %w", c.Index, err)
	}
	a.next++
	return nil
}

// FileHash returns the accumulated hash of all written chunks.
func (a *Assembler) FileHash() string {
	return hex.EncodeToString(a.fileHash.Sum(nil))
}

// HashBytes returns the hex-encoded sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
