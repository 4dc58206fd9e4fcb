package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/guni1192/droprelay/pkg/capsule"
	"github.com/guni1192/droprelay/relay/chunkrelay"
	"github.com/guni1192/droprelay/relay/coordinator"
	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/signaling"
)

var signalKinds = map[string]signaling.Kind{
	session.EventP2POffer:        signaling.KindOffer,
	session.EventP2PAnswer:       signaling.KindAnswer,
	session.EventP2PICECandidate: signaling.KindCandidate,
}

// dispatch runs one control-channel event. A panic in a handler is logged
// and the connection stays open.
func (s *Server) dispatch(p *Peer, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler panic",
				slog.String("peer_id", p.ID()),
				slog.String("event", env.Event),
				slog.String("error", fmt.Sprint(r)),
			)
		}
	}()

	var err error
	switch env.Event {
	case session.EventCreateSession:
		code, err := s.coord.CreateSession(p, p.RemoteAddr())
		s.respond(p, env, code, err)
		return

	case session.EventJoinSession:
		var req codeRequest
		if !s.decode(p, env, &req) {
			s.respond(p, env, "", session.ErrInvalidCode)
			return
		}
		code, err := s.coord.JoinSession(p, req.Code, p.RemoteAddr())
		s.respond(p, env, code, err)
		return

	case session.EventFileInfo:
		var req fileInfoRequest
		if s.decode(p, env, &req) {
			err = s.coord.AnnounceFileInfo(p, req.Code, req.FileInfo)
		}

	case session.EventFileChunk:
		var req chunkRequest
		if s.decode(p, env, &req) {
			err = s.coord.SubmitChunk(p, chunkrelay.Chunk{
				Code:  req.Code,
				Index: req.ChunkIndex,
				Total: req.TotalChunks,
				Last:  req.IsLast,
				Data:  req.Chunk,
			})
		}

	case session.EventAcceptTransfer:
		var req codeRequest
		if s.decode(p, env, &req) {
			err = s.coord.AcceptTransfer(p, req.Code)
		}

	case session.EventDownloadDone:
		var req codeRequest
		if s.decode(p, env, &req) {
			err = s.coord.CompleteDownload(p, req.Code)
		}

	case session.EventTransferSpeed:
		var req speedRequest
		if s.decode(p, env, &req) {
			err = s.coord.ReportSpeed(p, req.Code, req.Speed)
		}

	case session.EventRequestNATInfo:
		var req codeRequest
		if s.decode(p, env, &req) {
			err = s.coord.RequestNAT(p, req.Code)
		}

	case session.EventP2PNATInfo:
		var req natRequest
		if s.decode(p, env, &req) {
			_, err = s.coord.ReportNAT(p, req.Code, req.NATReport)
		}

	case session.EventP2POffer, session.EventP2PAnswer, session.EventP2PICECandidate:
		var req signalRequest
		if s.decode(p, env, &req) {
			err = s.coord.Signal(p, req.Code, signalKinds[env.Event], req.raw)
		}

	case session.EventP2PProgress:
		var req receivedRequest
		if s.decode(p, env, &req) {
			err = s.coord.P2PProgress(p, req.Code, req.ReceivedBytes)
		}

	case session.EventP2PComplete:
		var req receivedRequest
		if s.decode(p, env, &req) {
			err = s.coord.P2PComplete(p, req.Code, req.ReceivedBytes, env.Data)
		}

	default:
		s.logger.Debug("Unknown event (discarding)",
			slog.String("peer_id", p.ID()),
			slog.String("event", env.Event),
		)
		return
	}

	if err != nil {
		s.logger.Debug("Event failed",
			slog.String("peer_id", p.ID()),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
	}
}

// dispatchBinary handles a capsule-framed chunk.
func (s *Server) dispatchBinary(p *Peer, msg []byte) {
	cap, err := capsule.ParseCapsule(msg)
	if err != nil {
		p.Send(session.EventError, coordinator.ErrorMessage{Message: "Malformed frame"})
		return
	}

	switch cap.Type {
	case capsule.CapsuleTypeChunk:
		f, err := capsule.DecodeChunkFrame(cap)
		if err != nil {
			p.Send(session.EventError, coordinator.ErrorMessage{Message: "Malformed chunk frame"})
			return
		}
		err = s.coord.SubmitChunk(p, chunkrelay.Chunk{
			Code:  f.Code,
			Index: f.Index,
			Total: f.Total,
			Last:  f.IsLast,
			Data:  f.Data,
		})
		if err != nil {
			s.logger.Debug("Chunk failed",
				slog.String("peer_id", p.ID()),
				slog.Uint64("chunk_index", f.Index),
				slog.String("error", err.Error()),
			)
		}
	default:
		s.logger.Debug("Unknown capsule type (discarding)",
			slog.String("peer_id", p.ID()),
			slog.Uint64("type", uint64(cap.Type)),
		)
	}
}

// respond answers a request/response event with the same event name and id.
func (s *Server) respond(p *Peer, env Envelope, code string, err error) {
	resp := Response{Success: err == nil, Code: code}
	if err != nil {
		resp.Message = session.Reason(err)
	}
	if werr := p.reply(env.Event, env.ID, resp); werr != nil {
		s.logger.Debug("Failed to send response",
			slog.String("peer_id", p.ID()),
			slog.String("event", env.Event),
			slog.String("error", werr.Error()),
		)
	}
}

// decode unmarshals the event payload into v and tells the peer when it
// cannot.
func (s *Server) decode(p *Peer, env Envelope, v any) bool {
	err := json.Unmarshal(env.Data, v)
	if len(env.Data) == 0 {
		err = fmt.Errorf("missing data")
	}
	if err == nil {
		return true
	}
	s.logger.Debug("Invalid event payload",
		slog.String("peer_id", p.ID()),
		slog.String("event", env.Event),
		slog.String("error", err.Error()),
	)
	p.Send(session.EventError, coordinator.ErrorMessage{Message: "Invalid message"})
	return false
}
