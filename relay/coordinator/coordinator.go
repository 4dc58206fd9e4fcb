// Package coordinator runs the per-session state machine: it admits peers,
// validates every operation against the session's recorded members and
// dispatches to the chunk relay, the signaling relay and the progress
// aggregator.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guni1192/droprelay/relay/audit"
	"github.com/guni1192/droprelay/relay/chunkrelay"
	"github.com/guni1192/droprelay/relay/config"
	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/nat"
	"github.com/guni1192/droprelay/relay/progress"
	"github.com/guni1192/droprelay/relay/ratelimit"
	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/signaling"
)

// Coordinator owns all live sessions.
type Coordinator struct {
	sessions *session.Manager
	limiter  *ratelimit.Engine
	relay    *chunkrelay.Engine
	signals  *signaling.Relay
	progress *progress.Aggregator
	audit    *audit.Logger
	logger   *slog.Logger
	opts     Options

	statsMu sync.Mutex
	today   string
	todayN  int64
	totalN  int64

	timersMu sync.Mutex
	timers   map[*session.Session]*time.Timer
}

// New creates a coordinator over sessions. limiter and auditLog may be nil.
func New(sessions *session.Manager, limiter *ratelimit.Engine, auditLog *audit.Logger, l *slog.Logger, opts Options) *Coordinator {
	opts.setDefaults()
	if l == nil {
		l = logger.Discard()
	}

	c := &Coordinator{
		sessions: sessions,
		limiter:  limiter,
		audit:    auditLog,
		logger:   logger.WithComponent(l, "Coordinator"),
		opts:     opts,
		timers:   make(map[*session.Session]*time.Timer),
	}
	c.progress = progress.New(opts.ProgressInterval, opts.Clock, c.broadcastProgress)
	c.relay = chunkrelay.NewEngine(sessions, c.progress, opts.MaxChunkSize, l)
	c.signals = signaling.NewRelay(sessions, opts.EnforceReadiness, l)
	return c
}

// Sessions exposes the registry.
func (c *Coordinator) Sessions() *session.Manager { return c.sessions }

// HighWaterMark is the sink buffer size download handlers should use.
func (c *Coordinator) HighWaterMark() int { return c.opts.HighWaterMark }

// Features reports the enabled transfer modes.
func (c *Coordinator) Features() config.Features { return c.opts.Features }

func (c *Coordinator) allow(action ratelimit.Action, addr string) error {
	if c.limiter == nil {
		return nil
	}
	d := c.limiter.Allow(action, addr)
	if d.Allowed {
		return nil
	}
	c.audit.LogRateLimit(string(action), addr, d.Reason)
	return session.ErrRateLimited
}

// CreateSession registers a new session with p as sender and returns its
// pickup code. On error nothing is created.
func (c *Coordinator) CreateSession(p session.Peer, addr string) (string, error) {
	if err := c.allow(ratelimit.ActionCreate, addr); err != nil {
		c.audit.LogSession(audit.EventSessionCreate, "", p.ID(), addr, session.Reason(err))
		return "", err
	}

	sess, err := c.sessions.Create(p)
	if err != nil {
		c.logger.Error("Failed to create session",
			slog.String("peer_id", p.ID()),
			slog.String("error", err.Error()),
		)
		c.audit.LogSession(audit.EventSessionCreate, "", p.ID(), addr, session.Reason(err))
		return "", err
	}

	c.audit.LogSession(audit.EventSessionCreate, sess.Code(), p.ID(), addr, "")
	c.logger.Info("Session created",
		slog.String("pickup_code", sess.Code()),
		slog.String("peer_id", p.ID()),
	)
	return sess.Code(), nil
}

// JoinSession attaches p as the receiver of code. The sender is told a
// receiver connected, and known file info is delivered to p at once.
func (c *Coordinator) JoinSession(p session.Peer, code, addr string) (string, error) {
	if err := c.allow(ratelimit.ActionJoin, addr); err != nil {
		c.audit.LogSession(audit.EventSessionJoin, code, p.ID(), addr, session.Reason(err))
		return "", err
	}

	sess, err := c.sessions.Lookup(code)
	if err != nil {
		c.audit.LogSession(audit.EventSessionJoin, code, p.ID(), addr, session.Reason(err))
		return "", err
	}

	fi, duplicate, err := sess.AttachReceiver(p)
	if err != nil {
		c.audit.LogSession(audit.EventSessionJoin, sess.Code(), p.ID(), addr, session.Reason(err))
		return "", err
	}

	if !duplicate {
		c.audit.LogSession(audit.EventSessionJoin, sess.Code(), p.ID(), addr, "")
		c.logger.Info("Receiver joined",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", p.ID()),
		)
		c.send(sess, sess.Sender(), session.EventReceiverConnected, CodeMessage{Code: sess.Code()})
	}
	if fi != nil {
		c.send(sess, p, session.EventFileInfo, FileInfoMessage{Code: sess.Code(), FileInfo: *fi})
	}
	return sess.Code(), nil
}

// AnnounceFileInfo records the sender's metadata and mode and forwards it to
// the receiver if one has joined.
func (c *Coordinator) AnnounceFileInfo(p session.Peer, code string, info session.FileInfo) error {
	sess, err := c.member(p, code, "file-info")
	if err != nil {
		return err
	}
	if sess.RoleOf(p) != session.RoleSender {
		return c.reject(sess, p, session.ErrUnauthorized)
	}
	mode, err := session.ParseMode(string(info.Mode))
	if err != nil {
		return c.reject(sess, p, err)
	}
	info.Mode = mode
	if !c.opts.modeEnabled(info.Mode) {
		return c.reject(sess, p, fmt.Errorf("%w: %s is disabled", session.ErrWrongMode, info.Mode))
	}

	receiver, err := sess.AnnounceFileInfo(p, info)
	if err != nil {
		return c.reject(sess, p, err)
	}

	c.logger.Info("File info announced",
		slog.String("pickup_code", sess.Code()),
		slog.String("mode", string(info.Mode)),
		slog.Int64("bytes", info.Size),
	)
	if receiver != nil {
		c.send(sess, receiver, session.EventFileInfo, FileInfoMessage{Code: sess.Code(), FileInfo: info})
	}
	return nil
}

// AcceptTransfer handles the receiver's acceptance. In p2p and storage mode
// it moves the session to Transferring, and p2p also signals readiness to
// the sender. Relay mode starts when the download opens.
func (c *Coordinator) AcceptTransfer(p session.Peer, code string) error {
	sess, err := c.member(p, code, "accept-transfer")
	if err != nil {
		return err
	}

	switch sess.Mode() {
	case session.ModeRelay:
		return nil
	case "":
		return c.reject(sess, p, session.ErrNotReady)
	}

	if _, err := sess.Accept(p); err != nil {
		return c.reject(sess, p, err)
	}
	c.audit.LogTransfer(audit.EventTransferStart, sess.Code(), string(sess.Mode()), 0, "")

	if sess.Mode() == session.ModeP2P {
		if err := c.signals.Ready(p, sess.Code()); err != nil {
			return c.reject(sess, p, err)
		}
	}
	return nil
}

// SubmitChunk hands a relay chunk to the chunk relay engine.
func (c *Coordinator) SubmitChunk(p session.Peer, chunk chunkrelay.Chunk) error {
	sess, err := c.member(p, chunk.Code, "file-chunk")
	if err != nil {
		return err
	}

	err = c.relay.Submit(p, chunk)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrReceiverGone):
		// The engine already told the sender.
		return err
	case errors.Is(err, session.ErrUnauthorized):
		c.logger.Warn("Chunk from non-sender dropped",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", p.ID()),
		)
		return err
	}

	idx := chunk.Index
	c.send(sess, p, session.EventChunkError, ErrorMessage{
		Code:       sess.Code(),
		Message:    session.Reason(err),
		ChunkIndex: &idx,
	})
	c.logger.Warn("Chunk rejected",
		slog.String("pickup_code", sess.Code()),
		slog.Uint64("chunk_index", chunk.Index),
		slog.String("error", err.Error()),
	)
	return err
}

// OpenDownload attaches sink as the output of the relay download for code
// and tells the sender to start streaming.
func (c *Coordinator) OpenDownload(code string, sink session.Sink) (*session.Session, session.FileInfo, error) {
	sess, err := c.sessions.Lookup(code)
	if err != nil {
		return nil, session.FileInfo{}, err
	}
	if err := sess.AttachSink(sink); err != nil {
		return nil, session.FileInfo{}, err
	}
	fi := sess.FileInfo()

	c.progress.Reset(sess.Code())
	c.audit.LogTransfer(audit.EventTransferStart, sess.Code(), string(fi.Mode), 0, "")
	c.logger.Info("Download opened",
		slog.String("pickup_code", sess.Code()),
		slog.Int64("bytes", fi.Size),
	)
	c.send(sess, sess.Sender(), session.EventStartTransfer, CodeMessage{Code: sess.Code()})
	return sess, *fi, nil
}

// CloseDownload is called when the download handler returns. A sink that
// did not complete counts as the receiver going away.
func (c *Coordinator) CloseDownload(sess *session.Session, sink session.Sink, cause error) {
	c.relay.Detach(sess, sink, cause)
}

// CompleteDownload handles the receiver's confirmation that a relay
// download, or a storage-mode fetch of the staged file, finished.
func (c *Coordinator) CompleteDownload(p session.Peer, code string) error {
	sess, err := c.member(p, code, "download-complete")
	if err != nil {
		return err
	}

	var n int64
	switch sess.Mode() {
	case session.ModeRelay:
		n, _ = sess.Progress()
	case session.ModeStorage:
		if st := sess.State(); st != session.StateTransferring && st != session.StateCompleted {
			return c.reject(sess, p, session.ErrNotReady)
		}
		n = sess.FileInfo().Size
	default:
		return c.reject(sess, p, session.ErrWrongMode)
	}
	return c.complete(sess, p, n, c.opts.CompletionGrace)
}

// ReportSpeed forwards a receiver-measured speed to the sender.
func (c *Coordinator) ReportSpeed(p session.Peer, code string, speed float64) error {
	sess, err := c.member(p, code, "transfer-speed")
	if err != nil {
		return err
	}
	if sess.RoleOf(p) != session.RoleReceiver {
		return c.reject(sess, p, session.ErrUnauthorized)
	}
	c.send(sess, sess.Sender(), session.EventTransferSpeed, SpeedMessage{Code: sess.Code(), Speed: speed})
	return nil
}

// Signal relays an offer, answer or candidate between the peers.
func (c *Coordinator) Signal(p session.Peer, code string, kind signaling.Kind, payload any) error {
	sess, err := c.member(p, code, string(kind))
	if err != nil {
		return err
	}
	if err := c.signals.Forward(p, sess.Code(), kind, payload); err != nil {
		return c.reject(sess, p, err)
	}
	return nil
}

// ReportNAT stores p's NAT classification and forwards it.
func (c *Coordinator) ReportNAT(p session.Peer, code string, report signaling.NATReport) (nat.Record, error) {
	sess, err := c.member(p, code, "p2p-nat-info")
	if err != nil {
		return nat.Record{}, err
	}
	rec, err := report.Record()
	if err != nil {
		return nat.Record{}, c.reject(sess, p, err)
	}
	if err := c.signals.ReportNAT(p, sess.Code(), rec); err != nil {
		return nat.Record{}, c.reject(sess, p, err)
	}
	return rec, nil
}

// RequestNAT sends the other side's stored classification to p.
func (c *Coordinator) RequestNAT(p session.Peer, code string) error {
	sess, err := c.member(p, code, "request-nat-info")
	if err != nil {
		return err
	}
	if _, err := c.signals.RequestNAT(p, sess.Code()); err != nil {
		return c.reject(sess, p, err)
	}
	return nil
}

// P2PProgress feeds a receiver's byte count into the progress throttle.
func (c *Coordinator) P2PProgress(p session.Peer, code string, received int64) error {
	sess, err := c.member(p, code, "p2p-progress")
	if err != nil {
		return err
	}
	if sess.RoleOf(p) != session.RoleReceiver {
		return c.reject(sess, p, session.ErrUnauthorized)
	}
	fi := sess.FileInfo()
	if fi == nil || fi.Mode != session.ModeP2P {
		return c.reject(sess, p, session.ErrWrongMode)
	}
	pct := progress.BytePercent(received, fi.Size)
	if pct >= 100 {
		// Completion is reported through P2PComplete.
		pct = 99.9
	}
	c.progress.Report(sess.Code(), received, fi.Size, pct)
	return nil
}

// P2PComplete handles the receiver's completion report. A byte count that
// differs from the announced size is reported to the receiver but the
// transfer still completes.
func (c *Coordinator) P2PComplete(p session.Peer, code string, received int64, payload any) error {
	sess, err := c.member(p, code, "p2p-complete")
	if err != nil {
		return err
	}
	fi := sess.FileInfo()
	if fi == nil || fi.Mode != session.ModeP2P {
		return c.reject(sess, p, session.ErrWrongMode)
	}
	if err := c.signals.Forward(p, sess.Code(), signaling.KindComplete, payload); err != nil {
		return c.reject(sess, p, err)
	}

	if received != fi.Size {
		c.logger.Warn("P2P size mismatch",
			slog.String("pickup_code", sess.Code()),
			slog.Int64("expected", fi.Size),
			slog.Int64("bytes", received),
		)
		c.send(sess, p, session.EventSizeMismatch, MismatchMessage{
			Code:     sess.Code(),
			Expected: fi.Size,
			Received: received,
		})
	}
	return c.complete(sess, p, received, c.opts.P2PCompletionGrace)
}

// complete marks sess completed once, bumps the counters and schedules its
// removal after grace.
func (c *Coordinator) complete(sess *session.Session, p session.Peer, n int64, grace time.Duration) error {
	first, err := sess.Complete(p)
	if err != nil {
		return c.reject(sess, p, err)
	}
	if !first {
		return nil
	}

	fi := sess.FileInfo()
	c.countTransfer()
	c.progress.Report(sess.Code(), n, fi.Size, 100)
	c.audit.LogTransfer(audit.EventTransferComplete, sess.Code(), string(fi.Mode), n, "")
	c.logger.Info("Transfer complete",
		slog.String("pickup_code", sess.Code()),
		slog.String("mode", string(fi.Mode)),
		slog.Int64("bytes", n),
	)
	c.send(sess, sess.Sender(), session.EventTransferComplete, CompleteMessage{
		Code:  sess.Code(),
		Mode:  string(fi.Mode),
		Bytes: n,
	})
	c.scheduleRemoval(sess, grace)
	return nil
}

func (c *Coordinator) scheduleRemoval(sess *session.Session, grace time.Duration) {
	remove := func() {
		c.timersMu.Lock()
		delete(c.timers, sess)
		c.timersMu.Unlock()
		c.remove(sess)
	}
	if grace <= 0 {
		remove()
		return
	}

	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if _, ok := c.timers[sess]; ok {
		return
	}
	c.timers[sess] = time.AfterFunc(grace, remove)
}

func (c *Coordinator) remove(sess *session.Session) {
	if c.sessions.RemoveSession(sess) {
		c.progress.Reset(sess.Code())
		c.logger.Debug("Session removed", slog.String("pickup_code", sess.Code()))
	}
}

// Disconnect handles a closed control channel. A departing sender ends its
// sessions at once; a departing receiver only frees the receiver slot.
func (c *Coordinator) Disconnect(p session.Peer) {
	for sess, role := range c.sessions.FindByPeer(p) {
		switch role {
		case session.RoleSender:
			c.abort(sess, "Sender disconnected")
		case session.RoleReceiver:
			sink, notify, ok := sess.DetachReceiver(p)
			if !ok {
				continue
			}
			if sink != nil {
				sink.Abort(session.ErrReceiverGone)
			}
			c.logger.Info("Receiver disconnected",
				slog.String("pickup_code", sess.Code()),
				slog.String("peer_id", p.ID()),
			)
			if notify && !sess.State().Terminal() {
				c.send(sess, sess.Sender(), session.EventReceiverDisconnected, ErrorMessage{
					Code:    sess.Code(),
					Message: session.Reason(session.ErrReceiverGone),
				})
			}
		}
	}
}

// abort removes sess immediately and tells the receiver.
func (c *Coordinator) abort(sess *session.Session, reason string) {
	wasDone := sess.State() == session.StateCompleted
	if sink := sess.Abort(); sink != nil {
		sink.Abort(session.ErrReceiverGone)
	}
	c.stopTimer(sess)
	c.remove(sess)
	if wasDone {
		return
	}

	bytes, _ := sess.Progress()
	c.audit.LogTransfer(audit.EventTransferAbort, sess.Code(), string(sess.Mode()), bytes, reason)
	c.logger.Info("Session aborted",
		slog.String("pickup_code", sess.Code()),
		slog.String("reason", reason),
	)
	c.send(sess, sess.Receiver(), session.EventConnectionLost, ErrorMessage{Code: sess.Code(), Message: reason})
}

func (c *Coordinator) stopTimer(sess *session.Session) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[sess]; ok {
		t.Stop()
		delete(c.timers, sess)
	}
}

// Sweep removes sessions older than the TTL and returns how many it removed.
func (c *Coordinator) Sweep() int {
	expired := c.sessions.Expired(c.opts.Now(), c.opts.TTL)
	for _, sess := range expired {
		c.send(sess, sess.Sender(), session.EventConnectionLost, ErrorMessage{Code: sess.Code(), Message: "Session expired"})
		c.abort(sess, "Session expired")
	}
	if c.limiter != nil {
		c.limiter.Sweep()
	}
	if len(expired) > 0 {
		c.logger.Info("Expired sessions removed", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps on every interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns live and completed-transfer counts.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.rollDay()
	return Stats{
		ActiveSessions: c.sessions.Count(),
		TodayTransfers: c.todayN,
		TotalTransfers: c.totalN,
	}
}

func (c *Coordinator) countTransfer() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.rollDay()
	c.todayN++
	c.totalN++
}

func (c *Coordinator) rollDay() {
	day := c.opts.Now().Format(time.DateOnly)
	if day != c.today {
		c.today = day
		c.todayN = 0
	}
}

// Close stops pending removals and aborts every session.
func (c *Coordinator) Close() error {
	c.timersMu.Lock()
	for sess, t := range c.timers {
		t.Stop()
		delete(c.timers, sess)
	}
	c.timersMu.Unlock()
	return c.sessions.Close()
}

// member resolves code for an operation by p. Non-members are dropped with
// a log line and no reply.
func (c *Coordinator) member(p session.Peer, code, op string) (*session.Session, error) {
	sess, err := c.sessions.Lookup(code)
	if err != nil {
		c.send(nil, p, session.EventError, ErrorMessage{Code: code, Message: session.Reason(err)})
		return nil, err
	}
	if sess.RoleOf(p) == session.RoleNone {
		c.logger.Warn("Operation from non-member ignored",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", p.ID()),
			slog.String("op", op),
		)
		return nil, session.ErrUnauthorized
	}
	return sess, nil
}

// reject reports err to p unless p is not entitled to an answer.
func (c *Coordinator) reject(sess *session.Session, p session.Peer, err error) error {
	if errors.Is(err, session.ErrUnauthorized) {
		c.logger.Warn("Operation by wrong party ignored",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", p.ID()),
		)
		return err
	}
	c.send(sess, p, session.EventError, ErrorMessage{Code: sess.Code(), Message: session.Reason(err)})
	return err
}

func (c *Coordinator) send(sess *session.Session, to session.Peer, event string, data any) {
	if to == nil {
		return
	}
	if err := to.Send(event, data); err != nil {
		code := ""
		if sess != nil {
			code = sess.Code()
		}
		c.logger.Debug("Send failed",
			slog.String("pickup_code", code),
			slog.String("peer_id", to.ID()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) broadcastProgress(u progress.Update) {
	sess, ok := c.sessions.Get(u.Code)
	if !ok {
		return
	}
	c.send(sess, sess.Sender(), session.EventTransferProgress, u)
	c.send(sess, sess.Receiver(), session.EventTransferProgress, u)
}
