// Package chunkrelay moves relay-mode chunks from a sender's control channel
// into the receiver's open HTTP download, one unacknowledged chunk at a time.
package chunkrelay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/progress"
	"github.com/guni1192/droprelay/relay/session"
)

// DefaultMaxChunkSize bounds a single chunk's payload.
const DefaultMaxChunkSize = 8 << 20

// Chunk is one sender-submitted piece of a relay transfer.
type Chunk struct {
	Code  string
	Index uint64
	Total uint64
	Last  bool
	Data  []byte
}

// Ack is the payload of a chunk acknowledgement.
type Ack struct {
	Index uint64 `json:"chunkIndex"`
}

// Gone is the payload of a receiver-disconnected notification.
type Gone struct {
	Code   string `json:"pickupCode"`
	Reason string `json:"message"`
}

// Engine relays chunks for every relay-mode session in a registry.
type Engine struct {
	sessions *session.Manager
	progress *progress.Aggregator
	maxChunk int
	logger   *slog.Logger
}

// NewEngine creates an engine. agg may be nil to disable progress reports.
func NewEngine(sessions *session.Manager, agg *progress.Aggregator, maxChunk int, l *slog.Logger) *Engine {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkSize
	}
	if l == nil {
		l = logger.Discard()
	}
	return &Engine{
		sessions: sessions,
		progress: agg,
		maxChunk: maxChunk,
		logger:   logger.WithComponent(l, "ChunkRelay"),
	}
}

// Submit accepts a chunk from sender and writes it to the session's sink.
// The acknowledgement is sent at once when the sink has room, otherwise
// after the sink drains. ErrReceiverGone means no download is open and the
// sender has been told so.
func (e *Engine) Submit(sender session.Peer, c Chunk) error {
	sess, err := e.sessions.Lookup(c.Code)
	if err != nil {
		return err
	}
	if len(c.Data) > e.maxChunk {
		return fmt.Errorf("chunk of %d bytes exceeds limit of %d", len(c.Data), e.maxChunk)
	}
	if c.Total == 0 || c.Index >= c.Total || c.Last != (c.Index == c.Total-1) {
		return fmt.Errorf("inconsistent chunk index %d of %d (last=%v)", c.Index, c.Total, c.Last)
	}

	sink, err := sess.ReserveChunk(sender, len(c.Data))
	if err != nil {
		if errors.Is(err, session.ErrReceiverGone) {
			e.notifyGone(sess, sender)
		}
		return err
	}

	ready, drained := sink.Write(c.Data)
	if ready {
		if !e.commit(sess, sink, c) {
			return session.ErrReceiverGone
		}
		e.finish(sess, sink, sender, c)
		return nil
	}

	go func() {
		if err := <-drained; err != nil {
			e.Detach(sess, sink, err)
			return
		}
		if e.commit(sess, sink, c) {
			e.finish(sess, sink, sender, c)
		}
	}()
	return nil
}

// commit counts c's bytes once the sink has taken them.
func (e *Engine) commit(sess *session.Session, sink session.Sink, c Chunk) bool {
	_, ok := sess.CommitChunk(sink, int64(c.Index), len(c.Data))
	return ok
}

// finish acknowledges c and, for the last chunk, closes the sink.
func (e *Engine) finish(sess *session.Session, sink session.Sink, sender session.Peer, c Chunk) {
	closed, ok := sess.ReleaseChunk(sink, c.Last)
	if !ok {
		// Sink was detached while the write was pending.
		return
	}

	if err := sender.Send(session.EventChunkAck, Ack{Index: c.Index}); err != nil {
		e.logger.Debug("Failed to send ack",
			slog.String("pickup_code", sess.Code()),
			slog.Uint64("chunk_index", c.Index),
			slog.String("error", err.Error()),
		)
	}

	if e.progress != nil {
		bytes, _ := sess.Progress()
		var size int64
		if fi := sess.FileInfo(); fi != nil {
			size = fi.Size
		}
		e.progress.Report(sess.Code(), bytes, size, progress.ChunkPercent(c.Index, c.Total))
	}

	if closed != nil {
		closed.Close()
		bytes, _ := sess.Progress()
		e.logger.Info("Relay stream complete",
			slog.String("pickup_code", sess.Code()),
			slog.Int64("bytes", bytes),
		)
	}
}

// Detach clears sink from sess if it is still current and tells the sender
// the receiver went away, once per absence. It is safe to call for a sink
// that already completed.
func (e *Engine) Detach(sess *session.Session, sink session.Sink, cause error) {
	detached, notify := sess.DetachSink(sink)
	if !detached {
		return
	}
	sink.Abort(cause)
	if e.progress != nil {
		e.progress.Reset(sess.Code())
	}

	attrs := []any{slog.String("pickup_code", sess.Code())}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	e.logger.Info("Download stream closed before completion", attrs...)

	if notify {
		if sender := sess.Sender(); sender != nil {
			e.sendGone(sess, sender)
		}
	}
}

// notifyGone tells a sender submitting without an open sink, once per
// absence.
func (e *Engine) notifyGone(sess *session.Session, sender session.Peer) {
	if sess.MarkReceiverGone() {
		e.sendGone(sess, sender)
	}
}

func (e *Engine) sendGone(sess *session.Session, sender session.Peer) {
	msg := Gone{Code: sess.Code(), Reason: session.Reason(session.ErrReceiverGone)}
	if err := sender.Send(session.EventReceiverDisconnected, msg); err != nil {
		e.logger.Debug("Failed to notify sender",
			slog.String("pickup_code", sess.Code()),
			slog.String("error", err.Error()),
		)
	}
}
