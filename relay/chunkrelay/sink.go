package chunkrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guni1192/droprelay/relay/session"
)

// DefaultHighWaterMark is the buffered byte count at which a sink stops
// reporting itself ready.
const DefaultHighWaterMark = 64 << 10

// ErrSinkClosed is returned for writes after Close or Abort.
var ErrSinkClosed = errors.New("sink closed")

type pendingWrite struct {
	data []byte
	done chan error
}

// StreamSink is a session.Sink backed by an HTTP response body. Writes are
// queued and copied out by Serve, which runs on the request's goroutine.
type StreamSink struct {
	w         io.Writer
	flush     func() error
	highWater int

	mu       sync.Mutex
	queue    []pendingWrite
	buffered int
	closing  bool
	err      error

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closes    int
}

// NewStreamSink wraps w. Responses that support flushing are flushed after
// every write.
func NewStreamSink(w http.ResponseWriter, highWater int) *StreamSink {
	rc := http.NewResponseController(w)
	return newStreamSink(w, rc.Flush, highWater)
}

func newStreamSink(w io.Writer, flush func() error, highWater int) *StreamSink {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	return &StreamSink{
		w:         w,
		flush:     flush,
		highWater: highWater,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

var _ session.Sink = (*StreamSink)(nil)

// Write queues p for Serve.
func (s *StreamSink) Write(p []byte) (bool, <-chan error) {
	ch := make(chan error, 1)

	s.mu.Lock()
	if s.closing || s.err != nil {
		s.mu.Unlock()
		ch <- ErrSinkClosed
		return false, ch
	}
	s.queue = append(s.queue, pendingWrite{data: p, done: ch})
	s.buffered += len(p)
	ready := s.buffered < s.highWater
	s.mu.Unlock()

	s.signal()
	return ready, ch
}

// Close lets Serve finish the queued writes and return. Only the first call
// has an effect.
func (s *StreamSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.closes++
		s.mu.Unlock()
		close(s.done)
		s.signal()
	})
	return nil
}

// Abort fails every queued write with err and stops Serve.
func (s *StreamSink) Abort(err error) {
	if err == nil {
		err = session.ErrReceiverGone
	}
	s.fail(err)
}

// Done is closed once the sink takes no more writes.
func (s *StreamSink) Done() <-chan struct{} { return s.done }

// Buffered returns the number of queued bytes not yet written.
func (s *StreamSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Closes returns how many times the sink was closed (0 or 1).
func (s *StreamSink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Serve copies queued writes to the response until the sink is closed and
// drained, aborted, or ctx ends. It returns nil only after a clean close.
func (s *StreamSink) Serve(ctx context.Context) error {
	for {
		w, ok, err := s.next()
		if err != nil {
			return err
		}
		if !ok {
			if s.isClosing() {
				return nil
			}
			select {
			case <-s.wake:
			case <-ctx.Done():
				err := fmt.Errorf("%w: %v", session.ErrReceiverGone, context.Cause(ctx))
				s.fail(err)
				return err
			}
			continue
		}

		if _, err := s.w.Write(w.data); err != nil {
			err = fmt.Errorf("%w: %v", session.ErrReceiverGone, err)
			w.done <- err
			s.fail(err)
			return err
		}
		if s.flush != nil {
			if err := s.flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				err = fmt.Errorf("%w: %v", session.ErrReceiverGone, err)
				w.done <- err
				s.fail(err)
				return err
			}
		}

		s.mu.Lock()
		s.buffered -= len(w.data)
		s.mu.Unlock()
		w.done <- nil
	}
}

func (s *StreamSink) next() (pendingWrite, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return pendingWrite{}, false, s.err
	}
	if len(s.queue) == 0 {
		return pendingWrite{}, false, nil
	}
	w := s.queue[0]
	s.queue = s.queue[1:]
	return w, true, nil
}

func (s *StreamSink) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *StreamSink) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	pending := s.queue
	s.queue = nil
	s.buffered = 0
	s.mu.Unlock()

	for _, w := range pending {
		w.done <- err
	}
	s.closeOnce.Do(func() { close(s.done) })
	s.signal()
}

func (s *StreamSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
