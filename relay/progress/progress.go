// Package progress throttles per-session progress updates and derives
// throughput from the updates it lets through.
package progress

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum spacing between two updates of a session.
const DefaultInterval = 100 * time.Millisecond

// Clock abstracts time so tests can drive the throttle deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Update is one emitted progress record.
type Update struct {
	Code    string    `json:"pickupCode"`
	Percent float64   `json:"progress"`
	Bytes   int64     `json:"bytesTransferred"`
	Total   int64     `json:"totalBytes"`
	Speed   float64   `json:"speed"` // bytes per second since the previous emitted update
	Final   bool      `json:"final"`
	At      time.Time `json:"-"`
}

// EmitFunc receives updates that pass the throttle. It is called without
// any aggregator lock held.
type EmitFunc func(Update)

type tracker struct {
	lastAt    time.Time
	lastBytes int64
	emitted   bool
	done      bool
}

// Aggregator applies the throttle independently per session code.
type Aggregator struct {
	interval time.Duration
	clock    Clock
	emit     EmitFunc

	mu       sync.Mutex
	trackers map[string]*tracker
}

// New creates an aggregator. A nil clock uses the wall clock.
func New(interval time.Duration, clock Clock, emit EmitFunc) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Aggregator{
		interval: interval,
		clock:    clock,
		emit:     emit,
		trackers: make(map[string]*tracker),
	}
}

// Report feeds one progress observation. The update is emitted, and
// returned with true, when it is the first for the session, when at least
// one interval has passed since the last emitted update, or when it marks
// completion.
func (a *Aggregator) Report(code string, bytes, total int64, percent float64) (Update, bool) {
	now := a.clock.Now()
	final := percent >= 100

	a.mu.Lock()
	t, ok := a.trackers[code]
	if !ok {
		t = &tracker{lastAt: now}
		a.trackers[code] = t
	}
	if t.done || (!final && t.emitted && now.Sub(t.lastAt) < a.interval) {
		a.mu.Unlock()
		return Update{}, false
	}

	var speed float64
	if dt := now.Sub(t.lastAt); dt > 0 && bytes >= t.lastBytes {
		speed = float64(bytes-t.lastBytes) / dt.Seconds()
	}
	t.lastAt = now
	t.lastBytes = bytes
	t.emitted = true
	t.done = final
	a.mu.Unlock()

	if percent > 100 {
		percent = 100
	}
	u := Update{
		Code:    code,
		Percent: percent,
		Bytes:   bytes,
		Total:   total,
		Speed:   speed,
		Final:   final,
		At:      now,
	}
	if a.emit != nil {
		a.emit(u)
	}
	return u, true
}

// Reset drops the throttle state for code. Used when a session ends or a
// relay download restarts from the first chunk.
func (a *Aggregator) Reset(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trackers, code)
}

// Tracked returns the number of sessions with throttle state.
func (a *Aggregator) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trackers)
}

// ChunkPercent is the relay progress for a chunk: (index+1)/total*100.
func ChunkPercent(index, total uint64) float64 {
	if total == 0 {
		return 100
	}
	p := float64(index+1) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// BytePercent is the progress of n bytes out of size.
func BytePercent(n, size int64) float64 {
	if size <= 0 {
		return 100
	}
	p := float64(n) / float64(size) * 100
	if p > 100 {
		p = 100
	}
	return p
}
