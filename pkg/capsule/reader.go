package capsule

import (
	"bytes"
	"fmt"
	"io"
)

// CapsuleReader reads consecutive capsules from a stream.
type CapsuleReader struct {
	r io.Reader
}

func NewCapsuleReader(r io.Reader) *CapsuleReader {
	return &CapsuleReader{r: r}
}

// ReadCapsule returns the next capsule, or io.EOF at a clean end of stream.
func (cr *CapsuleReader) ReadCapsule() (*Capsule, error) {
	return DecodeCapsule(cr.r)
}

// ReadChunk returns the next chunk frame. Capsules of other types are
// skipped.
func (cr *CapsuleReader) ReadChunk() (*ChunkFrame, error) {
	for {
		cap, err := cr.ReadCapsule()
		if err != nil {
			return nil, err
		}
		if cap.Type != CapsuleTypeChunk {
			continue
		}
		f, err := DecodeChunkFrame(cap)
		if err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		return f, nil
	}
}

// ParseCapsule decodes exactly one capsule from a complete message.
// Trailing bytes are an error.
func ParseCapsule(msg []byte) (*Capsule, error) {
	r := bytes.NewReader(msg)
	cap, err := NewCapsuleReader(r).ReadCapsule()
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errTrailingBytes(r.Len())
	}
	return cap, nil
}
