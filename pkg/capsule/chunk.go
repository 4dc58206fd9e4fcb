package capsule

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// CodeLength is the fixed width of a pickup code inside a chunk frame.
const CodeLength = 4

const flagLast byte = 0x01

// ChunkFrame is the value of a CapsuleTypeChunk capsule.
//
//	ChunkFrame {
//	  Code (4 bytes, ASCII),
//	  Index (i),
//	  Total (i),
//	  Flags (8),
//	  Data (..),
//	}
type ChunkFrame struct {
	Code   string
	Index  uint64
	Total  uint64
	IsLast bool
	Data   []byte
}

// Encode encodes the ChunkFrame into a Capsule.
func (f *ChunkFrame) Encode() (*Capsule, error) {
	if f == nil {
		return nil, fmt.Errorf("chunk frame is nil")
	}
	if len(f.Code) != CodeLength {
		return nil, fmt.Errorf("chunk frame code must be %d bytes, got %d", CodeLength, len(f.Code))
	}
	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("chunk index %d out of range for %d chunks", f.Index, f.Total)
	}

	size := CodeLength + quicvarint.Len(f.Index) + quicvarint.Len(f.Total) + 1 + len(f.Data)
	buf := make([]byte, 0, size)
	buf = append(buf, f.Code...)
	buf = quicvarint.Append(buf, f.Index)
	buf = quicvarint.Append(buf, f.Total)

	var flags byte
	if f.IsLast {
		flags |= flagLast
	}
	buf = append(buf, flags)
	buf = append(buf, f.Data...)

	return &Capsule{
		Type:   CapsuleTypeChunk,
		Length: uint64(len(buf)),
		Value:  buf,
	}, nil
}

// DecodeChunkFrame parses a CapsuleTypeChunk capsule.
// Data aliases the capsule value.
func DecodeChunkFrame(cap *Capsule) (*ChunkFrame, error) {
	if cap == nil {
		return nil, fmt.Errorf("capsule is nil")
	}
	if cap.Type != CapsuleTypeChunk {
		return nil, fmt.Errorf("unexpected capsule type %#x", uint64(cap.Type))
	}

	b := cap.Value
	if len(b) < CodeLength {
		return nil, fmt.Errorf("chunk frame too short: %d bytes", len(b))
	}
	f := &ChunkFrame{Code: string(b[:CodeLength])}
	b = b[CodeLength:]

	index, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("decode chunk index: %w", err)
	}
	b = b[n:]

	total, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("decode chunk total: %w", err)
	}
	b = b[n:]

	if len(b) < 1 {
		return nil, fmt.Errorf("chunk frame missing flags")
	}
	if total == 0 || index >= total {
		return nil, fmt.Errorf("chunk index %d out of range for %d chunks", index, total)
	}

	f.Index = index
	f.Total = total
	f.IsLast = b[0]&flagLast != 0
	f.Data = b[1:]

	return f, nil
}
