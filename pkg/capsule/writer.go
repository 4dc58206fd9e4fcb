package capsule

import (
	"fmt"
	"io"
	"sync"
)

// CapsuleWriter serializes capsules onto a stream. Each capsule is written
// with a single Write call, so one writer may be shared by several goroutines.
type CapsuleWriter struct {
	w  io.Writer
	mu sync.Mutex
	n  int64
}

func NewCapsuleWriter(w io.Writer) *CapsuleWriter {
	return &CapsuleWriter{w: w}
}

// WriteCapsule encodes cap and writes it to the underlying stream.
func (cw *CapsuleWriter) WriteCapsule(cap *Capsule) error {
	encoded, err := EncodeCapsule(cap)
	if err != nil {
		return fmt.Errorf("encode capsule: %w", err)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	n, err := cw.w.Write(encoded)
	cw.n += int64(n)
	if err != nil {
		return fmt.Errorf("write capsule type %#x: %w", cap.Type, err)
	}
	return nil
}

// WriteChunk wraps f in a CapsuleTypeChunk capsule and writes it.
func (cw *CapsuleWriter) WriteChunk(f *ChunkFrame) error {
	cap, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	return cw.WriteCapsule(cap)
}

// Written reports the number of bytes written so far, headers included.
func (cw *CapsuleWriter) Written() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.n
}

func errTrailingBytes(n int) error {
	return fmt.Errorf("capsule followed by %d trailing bytes", n)
}
