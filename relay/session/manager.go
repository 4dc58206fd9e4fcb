package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/guni1192/droprelay/relay/codes"
)

// OwnerSession is the allocator owner tag for live sessions.
const OwnerSession = "session"

// Manager is the session registry, indexed by pickup code.
type Manager struct {
	byCode    sync.Map // string (pickup code) → *Session
	allocator codes.Allocator
	mu        sync.Mutex
	now       func() time.Time
}

// NewManager creates a registry drawing codes from allocator.
func NewManager(allocator codes.Allocator) *Manager {
	return &Manager{
		allocator: allocator,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for creation timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Create allocates a fresh code and registers an empty session for sender.
func (m *Manager) Create(sender Peer) (*Session, error) {
	if sender == nil || sender.ID() == "" {
		return nil, fmt.Errorf("sender is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.allocator.Allocate(OwnerSession)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate pickup code: %w", err)
	}

	sess := newSession(code, sender, m.now())
	m.byCode.Store(code, sess)
	return sess, nil
}

// Get looks up a live session. The code is normalized first.
func (m *Manager) Get(code string) (*Session, bool) {
	norm, err := codes.Normalize(code)
	if err != nil {
		return nil, false
	}
	val, ok := m.byCode.Load(norm)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Lookup is Get with the taxonomy error for the caller.
func (m *Manager) Lookup(code string) (*Session, error) {
	norm, err := codes.Normalize(code)
	if err != nil {
		return nil, err
	}
	sess, ok := m.Get(norm)
	if !ok {
		return nil, ErrInvalidCode
	}
	return sess, nil
}

// RemoveSession removes sess only if it is still the session registered
// under its code, so a recycled code is never released twice.
func (m *Manager) RemoveSession(sess *Session) bool {
	if sess == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.byCode.CompareAndDelete(sess.code, sess) {
		return false
	}
	m.allocator.Release(sess.code)
	return true
}

// FindByPeer returns every session p is a member of, with p's role in each.
func (m *Manager) FindByPeer(p Peer) map[*Session]Role {
	found := make(map[*Session]Role)
	m.byCode.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if role := sess.RoleOf(p); role != RoleNone {
			found[sess] = role
		}
		return true
	})
	return found
}

// Expired returns sessions created more than ttl before now.
func (m *Manager) Expired(now time.Time, ttl time.Duration) []*Session {
	var out []*Session
	m.byCode.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if now.Sub(sess.createdAt) > ttl {
			out = append(out, sess)
		}
		return true
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	count := 0
	m.byCode.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// Close aborts every session and releases their codes.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byCode.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if sink := sess.Abort(); sink != nil {
			sink.Abort(ErrReceiverGone)
		}
		m.allocator.Release(sess.code)
		m.byCode.Delete(key)
		return true
	})
	return nil
}
