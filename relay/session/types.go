package session

import "fmt"

// Mode is the delivery strategy chosen by the sender.
type Mode string

const (
	ModeRelay   Mode = "relay"
	ModeP2P     Mode = "p2p"
	ModeStorage Mode = "storage"
)

// ParseMode accepts the wire names, including the legacy "memory" alias for relay.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "relay", "memory":
		return ModeRelay, nil
	case "p2p":
		return ModeP2P, nil
	case "storage":
		return ModeStorage, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrBadFileInfo, s)
	}
}

// State is a session's position in the transfer state machine.
type State uint8

const (
	StateAwaitingReceiver State = iota
	StateFileInfoKnown
	StateModeCommitted
	StateTransferring
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitingReceiver:
		return "awaiting_receiver"
	case StateFileInfoKnown:
		return "file_info_known"
	case StateModeCommitted:
		return "mode_committed"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// canTransition encodes the allowed edges of the state machine.
func (s State) canTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateAborted {
		return true
	}
	switch s {
	case StateAwaitingReceiver:
		return to == StateFileInfoKnown
	case StateFileInfoKnown:
		return to == StateModeCommitted
	case StateModeCommitted:
		return to == StateTransferring
	case StateTransferring:
		return to == StateCompleted
	}
	return false
}

// Role identifies which side of a session a peer is on.
type Role uint8

const (
	RoleNone Role = iota
	RoleSender
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "none"
	}
}

// FileInfo is the metadata announced by the sender.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type,omitempty"`
	Hash string `json:"hash,omitempty"`
	Mode Mode   `json:"mode"`
}

// Validate checks the announced metadata.
func (f *FileInfo) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: missing", ErrBadFileInfo)
	}
	if f.Name == "" {
		return fmt.Errorf("%w: name is required", ErrBadFileInfo)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrBadFileInfo, f.Size)
	}
	return nil
}

// Peer is an opaque handle on one side's live control channel. Handles are
// compared by ID only.
type Peer interface {
	ID() string
	Send(event string, data any) error
}

// Sink is the writable destination of an open relay-mode download.
type Sink interface {
	// Write queues p. ready reports whether the sink can take more data
	// immediately; drained yields once p has been written out (nil) or
	// the write failed.
	Write(p []byte) (ready bool, drained <-chan error)
	// Close completes the response after queued data is written.
	Close() error
	// Abort tears the sink down without waiting for queued data.
	Abort(err error)
	// Done is closed once the sink can accept no more writes.
	Done() <-chan struct{}
}

func samePeer(a, b Peer) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}
