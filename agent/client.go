package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/guni1192/droprelay/pkg/capsule"
)

// envelope はリレーの制御メッセージ
type envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type response struct {
	Success bool   `json:"success"`
	Code    string `json:"pickupCode"`
	Message string `json:"message"`
}

type relayClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan envelope
	readErr error
}

// wsURL maps http(s)://host to ws(s)://host/ws.
func wsURL(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func dial(relay string) (*relayClient, error) {
	target, err := wsURL(relay)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}

	c := &relayClient{conn: conn, events: make(chan envelope, 64)}
	go c.readLoop()
	return c, nil
}

func (c *relayClient) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.events <- env
	}
}

func (c *relayClient) send(event, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Event: event, ID: id, Data: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// sendChunk writes f as a single binary websocket message.
func (c *relayClient) sendChunk(f *capsule.ChunkFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := capsule.NewCapsuleWriter(w).WriteChunk(f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// request sends event with a fresh id and waits for the matching reply.
// Other events received meanwhile are dropped.
func (c *relayClient) request(event string, data any) (response, error) {
	id := uuid.NewString()
	if err := c.send(event, id, data); err != nil {
		return response{}, err
	}
	for env := range c.events {
		if env.Event != event || env.ID != id {
			continue
		}
		var resp response
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return response{}, err
		}
		if !resp.Success {
			return resp, fmt.Errorf("%s: %s", event, resp.Message)
		}
		return resp, nil
	}
	return response{}, c.closedErr()
}

func (c *relayClient) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("relay connection closed: %w", c.readErr)
	}
	return fmt.Errorf("relay connection closed")
}

func (c *relayClient) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}
