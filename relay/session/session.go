package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/guni1192/droprelay/relay/nat"
)

// Session is one pickup-code transfer between a sender and at most one
// receiver. All state is guarded by mu and reached through methods.
type Session struct {
	code      string
	createdAt time.Time

	mu       sync.Mutex
	state    State
	sender   Peer
	receiver Peer
	fileInfo *FileInfo

	bytesTransferred int64
	lastChunkIndex   int64
	sink             Sink
	chunkInFlight    bool
	receiverGone     bool

	receiverReady bool
	senderNAT     *nat.Record
	receiverNAT   *nat.Record
	estimated     *[2]nat.Record

	completed bool
}

func newSession(code string, sender Peer, now time.Time) *Session {
	return &Session{
		code:           code,
		createdAt:      now,
		state:          StateAwaitingReceiver,
		sender:         sender,
		lastChunkIndex: -1,
	}
}

// Code returns the pickup code.
func (s *Session) Code() string { return s.code }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Sender() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

func (s *Session) Receiver() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver
}

// FileInfo returns a copy of the announced metadata, or nil.
func (s *Session) FileInfo() *FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileInfo == nil {
		return nil
	}
	fi := *s.fileInfo
	return &fi
}

// Mode returns the committed mode, or "" before file info is announced.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileInfo == nil {
		return ""
	}
	return s.fileInfo.Mode
}

// RoleOf reports which side p is on.
func (s *Session) RoleOf(p Peer) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleOf(p)
}

func (s *Session) roleOf(p Peer) Role {
	switch {
	case samePeer(s.sender, p):
		return RoleSender
	case samePeer(s.receiver, p):
		return RoleReceiver
	default:
		return RoleNone
	}
}

// Counterpart returns the other side of p, or nil when p is not a member
// or the other slot is empty.
func (s *Session) Counterpart(p Peer) Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.roleOf(p) {
	case RoleSender:
		return s.receiver
	case RoleReceiver:
		return s.sender
	default:
		return nil
	}
}

func (s *Session) transition(to State) error {
	if s.state == to {
		return nil
	}
	if !s.state.canTransition(to) {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.code, s.state, to)
	}
	s.state = to
	return nil
}

// AttachReceiver fills the receiver slot. A repeated join from the same
// peer is reported as duplicate. The returned FileInfo is the metadata to
// deliver immediately, if already known.
func (s *Session) AttachReceiver(p Peer) (fi *FileInfo, duplicate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, false, ErrInvalidCode
	}
	if samePeer(s.sender, p) {
		return nil, false, ErrCodeInUse
	}
	if s.receiver != nil {
		if !samePeer(s.receiver, p) {
			return nil, false, ErrCodeInUse
		}
		duplicate = true
	}
	s.receiver = p
	s.receiverGone = false
	if s.fileInfo != nil {
		c := *s.fileInfo
		fi = &c
	}
	return fi, duplicate, nil
}

// DetachReceiver clears the receiver slot if p holds it. The open sink, if
// any, is detached and returned so the caller can tear it down. notify
// reports whether the sender should be told; it is true at most once per
// absence.
func (s *Session) DetachReceiver(p Peer) (sink Sink, notify bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !samePeer(s.receiver, p) {
		return nil, false, false
	}
	s.receiver = nil
	s.receiverReady = false
	sink = s.sink
	s.sink = nil
	s.chunkInFlight = false
	notify = !s.receiverGone
	s.receiverGone = true
	return sink, notify, true
}

// AnnounceFileInfo records the sender's metadata and commits the mode.
// It returns the receiver to forward the metadata to, if one has joined.
func (s *Session) AnnounceFileInfo(p Peer, info FileInfo) (Peer, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Mode == "" {
		info.Mode = ModeRelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roleOf(p) != RoleSender {
		return nil, ErrUnauthorized
	}
	if s.fileInfo != nil {
		return nil, ErrFileInfoLocked
	}
	if err := s.transition(StateFileInfoKnown); err != nil {
		return nil, err
	}
	s.fileInfo = &info
	if err := s.transition(StateModeCommitted); err != nil {
		return nil, err
	}
	return s.receiver, nil
}

// Accept moves a p2p or storage session to Transferring on the receiver's
// acceptance. It returns the sender to signal.
func (s *Session) Accept(p Peer) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roleOf(p) != RoleReceiver {
		return nil, ErrUnauthorized
	}
	if s.fileInfo == nil {
		return nil, ErrNotReady
	}
	if s.fileInfo.Mode == ModeRelay {
		return nil, ErrWrongMode
	}
	if err := s.transition(StateTransferring); err != nil {
		return nil, err
	}
	return s.sender, nil
}

// AttachSink registers the output of a newly opened relay download and
// resets the relay window. Only one sink may be open at a time.
func (s *Session) AttachSink(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ErrInvalidCode
	}
	if s.fileInfo == nil {
		return ErrNotReady
	}
	if s.fileInfo.Mode != ModeRelay {
		return ErrWrongMode
	}
	if s.sink != nil {
		return ErrSinkBusy
	}
	if err := s.transition(StateTransferring); err != nil {
		return err
	}
	s.sink = sink
	s.chunkInFlight = false
	s.bytesTransferred = 0
	s.lastChunkIndex = -1
	s.receiverGone = false
	return nil
}

// DetachSink clears sink if it is still the current one. notify reports
// whether the sender should be told the receiver went away.
func (s *Session) DetachSink(sink Sink) (detached, notify bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == nil || s.sink != sink {
		return false, false
	}
	s.sink = nil
	s.chunkInFlight = false
	if s.state.Terminal() {
		return true, false
	}
	notify = !s.receiverGone
	s.receiverGone = true
	return true, notify
}

// ReserveChunk opens the single-chunk window for a chunk of n bytes and
// returns the sink to write it to.
func (s *Session) ReserveChunk(p Peer, n int) (Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roleOf(p) != RoleSender {
		return nil, ErrUnauthorized
	}
	if s.fileInfo == nil || s.fileInfo.Mode != ModeRelay {
		return nil, ErrWrongMode
	}
	if s.state != StateTransferring || s.sink == nil {
		return nil, ErrReceiverGone
	}
	if s.chunkInFlight {
		return nil, ErrOutOfWindow
	}
	if s.bytesTransferred+int64(n) > s.fileInfo.Size {
		return nil, ErrSizeMismatch
	}
	s.chunkInFlight = true
	return s.sink, nil
}

// CommitChunk records a written chunk against sink. It returns the new
// byte count, or false when sink is no longer current.
func (s *Session) CommitChunk(sink Sink, index int64, n int) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != sink {
		return s.bytesTransferred, false
	}
	s.bytesTransferred += int64(n)
	if index > s.lastChunkIndex {
		s.lastChunkIndex = index
	}
	return s.bytesTransferred, true
}

// ReleaseChunk closes the window once the in-flight chunk is acknowledged.
// When last is set the sink is detached and returned for closing.
func (s *Session) ReleaseChunk(sink Sink, last bool) (Sink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != sink {
		return nil, false
	}
	s.chunkInFlight = false
	if last {
		s.sink = nil
		return sink, true
	}
	return nil, true
}

// MarkReceiverGone records that the sender was told the receiver is
// absent. It returns false if that already happened during this absence.
func (s *Session) MarkReceiverGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiverGone {
		return false
	}
	s.receiverGone = true
	return true
}

// InFlight reports whether a chunk is awaiting acknowledgement.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkInFlight
}

// HasSink reports whether a relay download is open.
func (s *Session) HasSink() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

// Progress returns the relay counters.
func (s *Session) Progress() (bytes, lastIndex int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred, s.lastChunkIndex
}

// MarkReceiverReady records the receiver's readiness for a p2p handshake.
func (s *Session) MarkReceiverReady(p Peer) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roleOf(p) != RoleReceiver {
		return nil, ErrUnauthorized
	}
	s.receiverReady = true
	return s.sender, nil
}

func (s *Session) ReceiverReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiverReady
}

// SetNAT stores the classification reported by role, overwriting any
// previous one. Whenever both sides are known and the pair differs from the
// last one returned, both records are returned with pair set.
func (s *Session) SetNAT(role Role, rec nat.Record) (sender, receiver nat.Record, pair bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch role {
	case RoleSender:
		s.senderNAT = &rec
	case RoleReceiver:
		s.receiverNAT = &rec
	default:
		return nat.Record{}, nat.Record{}, false
	}
	if s.senderNAT == nil || s.receiverNAT == nil {
		return nat.Record{}, nat.Record{}, false
	}
	cur := [2]nat.Record{*s.senderNAT, *s.receiverNAT}
	if s.estimated != nil && *s.estimated == cur {
		return nat.Record{}, nat.Record{}, false
	}
	s.estimated = &cur
	return cur[0], cur[1], true
}

// NAT returns the stored classification for role.
func (s *Session) NAT(role Role) (nat.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *nat.Record
	switch role {
	case RoleSender:
		r = s.senderNAT
	case RoleReceiver:
		r = s.receiverNAT
	}
	if r == nil {
		return nat.Record{}, false
	}
	return *r, true
}

// Complete marks the transfer completed. first is true only for the call
// that performed the transition.
func (s *Session) Complete(p Peer) (first bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roleOf(p) != RoleReceiver {
		return false, ErrUnauthorized
	}
	if s.completed {
		return false, nil
	}
	if s.state == StateModeCommitted {
		if err := s.transition(StateTransferring); err != nil {
			return false, err
		}
	}
	if err := s.transition(StateCompleted); err != nil {
		return false, err
	}
	s.completed = true
	return true, nil
}

// Abort moves the session to Aborted and returns the open sink, if any.
func (s *Session) Abort() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Terminal() {
		s.state = StateAborted
	}
	sink := s.sink
	s.sink = nil
	s.chunkInFlight = false
	return sink
}

// GetStats returns a snapshot of the session.
func (s *Session) GetStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStats{
		Code:             s.code,
		State:            s.state,
		CreatedAt:        s.createdAt,
		Duration:         time.Since(s.createdAt),
		HasReceiver:      s.receiver != nil,
		BytesTransferred: s.bytesTransferred,
		LastChunkIndex:   s.lastChunkIndex,
	}
	if s.fileInfo != nil {
		st.Mode = s.fileInfo.Mode
		st.FileSize = s.fileInfo.Size
	}
	return st
}

// SessionStats is an immutable snapshot of a session.
type SessionStats struct {
	Code             string
	State            State
	Mode             Mode
	CreatedAt        time.Time
	Duration         time.Duration
	HasReceiver      bool
	FileSize         int64
	BytesTransferred int64
	LastChunkIndex   int64
}
