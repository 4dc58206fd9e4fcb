package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guni1192/droprelay/relay/api"
	"github.com/guni1192/droprelay/relay/audit"
	"github.com/guni1192/droprelay/relay/chunkrelay"
	"github.com/guni1192/droprelay/relay/coordinator"
	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/ratelimit"
	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/storage"
)

// Config wires a Server. Store, Limiter, Audit and Health may be nil.
type Config struct {
	Coordinator *coordinator.Coordinator
	Store       storage.Store
	Limiter     *ratelimit.Engine
	Audit       *audit.Logger
	Health      *api.HealthChecker
	Features    api.Features
	Logger      *slog.Logger

	// MaxChunkSize bounds inbound WebSocket messages.
	MaxChunkSize int
}

// Server serves the control channel and the HTTP endpoints.
type Server struct {
	coord    *coordinator.Coordinator
	store    storage.Store
	limiter  *ratelimit.Engine
	audit    *audit.Logger
	health   *api.HealthChecker
	features api.Features
	logger   *slog.Logger

	upgrader  websocket.Upgrader
	readLimit int64
}

// New creates a Server.
func New(cfg Config) *Server {
	l := cfg.Logger
	if l == nil {
		l = logger.Discard()
	}
	maxChunk := cfg.MaxChunkSize
	if maxChunk <= 0 {
		maxChunk = chunkrelay.DefaultMaxChunkSize
	}
	return &Server{
		coord:    cfg.Coordinator,
		store:    cfg.Store,
		limiter:  cfg.Limiter,
		audit:    cfg.Audit,
		health:   cfg.Health,
		features: cfg.Features,
		logger:   logger.WithComponent(l, "Transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		// base64 JSON chunks are 4/3 the raw size, plus the envelope.
		readLimit: int64(maxChunk)*4/3 + 64<<10,
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/download/{code}", s.handleDownload)
	mux.HandleFunc("POST /api/upload-file", s.handleUpload)
	mux.HandleFunc("GET /api/stored-file/{code}", s.handleStoredFile)
	mux.HandleFunc("GET /api/download-stored/{code}", s.handleDownloadStored)
	mux.HandleFunc("GET /api/features", api.FeaturesHandler(s.features))
	if s.health != nil {
		mux.HandleFunc("GET /health", s.health.LivenessHandler)
		mux.HandleFunc("GET /ready", s.health.ReadinessHandler)
	}
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed",
			slog.String("source_ip", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	p := newPeer(conn, ratelimit.ClientKey(r))
	s.logger.Info("Peer connected",
		slog.String("peer_id", p.ID()),
		slog.String("source_ip", p.RemoteAddr()),
	)

	done := make(chan struct{})
	go s.keepAlive(p, done)

	defer func() {
		close(done)
		s.coord.Disconnect(p)
		p.close()
		s.logger.Info("Peer disconnected",
			slog.String("peer_id", p.ID()),
			slog.String("source_ip", p.RemoteAddr()),
		)
	}()

	conn.SetReadLimit(s.readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Read error",
					slog.String("peer_id", p.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				p.Send(session.EventError, coordinator.ErrorMessage{Message: "Malformed message"})
				continue
			}
			s.dispatch(p, env)
		case websocket.BinaryMessage:
			s.dispatchBinary(p, data)
		}
	}
}

func (s *Server) keepAlive(p *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, Response{Success: false, Message: reason(err)})
}

func reason(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "File not found"
	case errors.Is(err, storage.ErrTooLarge):
		return "File too large"
	}
	return session.Reason(err)
}
