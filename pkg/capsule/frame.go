// Package capsule implements type/length/value framing for binary messages
// on the event channel. Integers use QUIC variable-length encoding.
package capsule

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxValueLength bounds a single capsule value. Larger frames are rejected
// before any allocation happens.
const MaxValueLength = 64 << 20

// EncodeCapsule encodes a Capsule into bytes.
func EncodeCapsule(cap *Capsule) ([]byte, error) {
	if cap == nil {
		return nil, fmt.Errorf("capsule is nil")
	}

	if uint64(len(cap.Value)) != cap.Length {
		return nil, fmt.Errorf("capsule length mismatch: Length=%d, Value=%d bytes", cap.Length, len(cap.Value))
	}
	if cap.Length > MaxValueLength {
		return nil, fmt.Errorf("capsule value too large: %d bytes", cap.Length)
	}

	buf := make([]byte, 0, quicvarint.Len(uint64(cap.Type))+quicvarint.Len(cap.Length)+len(cap.Value))
	buf = quicvarint.Append(buf, uint64(cap.Type))
	buf = quicvarint.Append(buf, cap.Length)
	buf = append(buf, cap.Value...)

	return buf, nil
}

// DecodeCapsule decodes a Capsule from an io.Reader.
func DecodeCapsule(r io.Reader) (*Capsule, error) {
	vr := quicvarint.NewReader(r)

	capType, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("decode capsule type: %w", err)
	}

	length, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("decode capsule length: %w", err)
	}
	if length > MaxValueLength {
		return nil, fmt.Errorf("capsule value too large: %d bytes", length)
	}

	value := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(vr, value); err != nil {
			return nil, fmt.Errorf("read capsule value (%d bytes): %w", length, err)
		}
	}

	return &Capsule{
		Type:   CapsuleType(capType),
		Length: length,
		Value:  value,
	}, nil
}
