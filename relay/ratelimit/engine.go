// Package ratelimit is a sliding-window attempt counter keyed by client
// address, with an independent rule per action.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guni1192/droprelay/relay/logger"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionCreate Action = "create"
	ActionJoin   Action = "join"
	ActionUpload Action = "upload"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Action     Action
	Key        string
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// Engine enforces per-action rules over per-key windows.
type Engine struct {
	rules   map[Action]Rule
	windows map[Action]map[string]*window
	mu      sync.Mutex
	now     func() time.Time
	logger  *slog.Logger
}

// NewEngine creates an engine. Actions without a rule are never limited.
func NewEngine(rules map[Action]Rule, l *slog.Logger) (*Engine, error) {
	if l == nil {
		l = logger.Discard()
	}
	e := &Engine{
		rules:   make(map[Action]Rule, len(rules)),
		windows: make(map[Action]map[string]*window, len(rules)),
		now:     time.Now,
		logger:  logger.WithComponent(l, "RateLimit"),
	}
	for action, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", action, err)
		}
		e.rules[action] = rule
		e.windows[action] = make(map[string]*window)
	}
	return e, nil
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Allow records an attempt of action by key and reports whether it is
// within the limit. Denied attempts are not recorded.
func (e *Engine) Allow(action Action, key string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[action]
	if !ok {
		return Decision{Allowed: true, Action: action, Key: key, Reason: "no rule"}
	}

	w, ok := e.windows[action][key]
	if !ok {
		w = &window{}
		e.windows[action][key] = w
	}

	d := w.take(e.now(), rule)
	d.Action = action
	d.Key = key
	if d.Allowed {
		d.Reason = fmt.Sprintf("within %s", rule)
		return d
	}

	d.Reason = fmt.Sprintf("exceeded %s", rule)
	e.logger.Warn("Rate limit exceeded",
		slog.String("action", string(action)),
		slog.String("key", key),
		slog.Duration("retry_after", d.RetryAfter),
	)
	return d
}

// Sweep drops windows with no hits inside their rule's window and returns
// how many were removed.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	removed := 0
	for action, keys := range e.windows {
		rule := e.rules[action]
		for key, w := range keys {
			w.prune(now, rule.Window)
			if len(w.hits) == 0 {
				delete(keys, key)
				removed++
			}
		}
	}
	return removed
}

// Keys returns the number of tracked keys for action.
func (e *Engine) Keys(action Action) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.windows[action])
}

// ClientKey derives the limiter key for an HTTP request: the first
// X-Forwarded-For hop when present, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
