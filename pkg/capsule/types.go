package capsule

// CapsuleType represents a capsule type identifier.
// Layout follows RFC 9297 Section 3.1, carried in binary WebSocket frames
// instead of an HTTP data stream.
type CapsuleType uint64

const (
	// CapsuleTypeChunk carries one relay-mode file chunk from the sender.
	CapsuleTypeChunk CapsuleType = 0x50

	// CapsuleTypeChunkAck acknowledges a chunk index back to the sender.
	// Acks are normally sent as JSON events; the binary form is used by
	// clients that negotiate binary-only control traffic.
	CapsuleTypeChunkAck CapsuleType = 0x51
)

// Capsule represents a parsed capsule frame.
//
//	Capsule {
//	  Type (i),
//	  Length (i),
//	  Value (..),
//	}
type Capsule struct {
	Type   CapsuleType
	Length uint64
	Value  []byte
}

// String returns a short name for known capsule types.
func (t CapsuleType) String() string {
	switch t {
	case CapsuleTypeChunk:
		return "chunk"
	case CapsuleTypeChunkAck:
		return "chunk-ack"
	default:
		return "unknown"
	}
}
