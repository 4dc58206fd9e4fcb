// Package transport carries the peer control channel over WebSockets and
// serves the HTTP download and storage endpoints.
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Envelope is one control-channel message.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Peer is one WebSocket connection. Writes are serialized; the read loop
// runs in the handler goroutine.
type Peer struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newPeer(conn *websocket.Conn, remoteAddr string) *Peer {
	return &Peer{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		conn:       conn,
	}
}

// ID returns the connection's random identifier.
func (p *Peer) ID() string { return p.id }

// RemoteAddr is the client key used for rate limiting.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Send writes an event envelope.
func (p *Peer) Send(event string, data any) error {
	return p.reply(event, "", data)
}

func (p *Peer) reply(event, id string, data any) error {
	msg, err := json.Marshal(outEnvelope{Event: event, ID: id, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return p.write(websocket.TextMessage, msg)
}

func (p *Peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return websocket.ErrCloseSent
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *Peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return websocket.ErrCloseSent
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (p *Peer) close() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	p.conn.Close()
}
