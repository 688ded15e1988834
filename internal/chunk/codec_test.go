package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

// drain splits src fully and returns the chunks.
func drain(t *testing.T, src []byte, size int64) ([]*Chunk, *Splitter) {
	t.Helper()
	s := NewSplitter(bytes.NewReader(src), size)
	var chunks []*Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected split error: %v", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, s
}

func TestSplitJoinRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		want      int
	}{
		{"empty file", 0, 10, 1},
		{"smaller than chunk", 7, 10, 1},
		{"exactly one chunk", 10, 10, 1},
		{"exactly divisible", 30, 10, 3},
		{"remainder", 25, 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make([]byte, tt.size)
			if _, err := rand.Read(src); err != nil {
				t.Fatal(err)
			}

			chunks, s := drain(t, src, tt.chunkSize)
			if len(chunks) != tt.want {
				t.Fatalf("expected %d chunks, got %d", tt.want, len(chunks))
			}
			if got := NumChunks(tt.size, tt.chunkSize); got != tt.want {
				t.Errorf("NumChunks = %d, want %d", got, tt.want)
			}

			var out bytes.Buffer
			a := NewAssembler(&out)
			for _, c := range chunks {
				if err := a.Write(c); err != nil {
					t.Fatalf("assemble: %v", err)
				}
			}
			if !bytes.Equal(out.Bytes(), src) {
				t.Error("reassembled bytes differ from source")
			}
			if a.FileHash() != s.FileHash() {
				t.Errorf("file hash mismatch: split %s, join %s", s.FileHash(), a.FileHash())
			}
		})
	}
}

func TestSplitEmptyFileEmitsSingleEmptyChunk(t *testing.T) {
	chunks, _ := drain(t, nil, 10)
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d", len(chunks))
	}
	if len(chunks[0].Data) != 0 {
		t.Errorf("expected empty chunk, got %d bytes", len(chunks[0].Data))
	}
	if chunks[0].Hash != HashBytes(nil) {
		t.Error("empty chunk hash mismatch")
	}
}

func TestSplitNoTrailingEmptyChunk(t *testing.T) {
	chunks, _ := drain(t, make([]byte, 20), 10)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for 20 bytes at size 10, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Data) != 10 {
			t.Errorf("chunk %d: expected 10 bytes, got %d", c.Index, len(c.Data))
		}
	}
}

func TestSplitIndexesContiguous(t *testing.T) {
	chunks, _ := drain(t, make([]byte, 45), 10)
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has index %d", i, c.Index)
		}
	}
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, errors.New("disk on fire")
}

func TestSplitSourceReadError(t *testing.T) {
	s := NewSplitter(&failingReader{data: make([]byte, 4)}, 4)
	if _, err := s.Next(); err != nil {
		t.Fatalf("first chunk should succeed: %v", err)
	}
	_, err := s.Next()
	if !errors.Is(err, ErrSourceRead) {
		t.Fatalf("expected ErrSourceRead, got %v", err)
	}
	// The splitter is not restartable after a failure.
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after failure, got %v", err)
	}
}

func TestAssemblerRejectsOutOfOrder(t *testing.T) {
	a := NewAssembler(io.Discard)
	if err := a.Write(&Chunk{Index: 1, Data: []byte("x")}); err == nil {
		t.Fatal("expected out-of-order error")
	}
}
