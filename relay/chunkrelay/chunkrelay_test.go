package chunkrelay

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guni1192/droprelay/relay/codes"
	"github.com/guni1192/droprelay/relay/session"
)

type event struct {
	name string
	data any
}

type recordingPeer struct {
	id     string
	mu     sync.Mutex
	events []event
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Send(name string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event{name, data})
	return nil
}

func (p *recordingPeer) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (p *recordingPeer) acks() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint64
	for _, e := range p.events {
		if e.name == session.EventChunkAck {
			out = append(out, e.data.(Ack).Index)
		}
	}
	return out
}

// gateWriter blocks every Write until release is signalled.
type gateWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	release chan struct{}
}

func newGateWriter() *gateWriter { return &gateWriter{release: make(chan struct{}, 64)} }

func (w *gateWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gateWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	engine   *Engine
	sess     *session.Session
	sender   *recordingPeer
	receiver *recordingPeer
}

func newFixture(t *testing.T, size int64) *fixture {
	t.Helper()
	mgr := session.NewManager(codes.NewAllocator(codes.Config{}))
	t.Cleanup(func() { mgr.Close() })

	f := &fixture{
		engine:   NewEngine(mgr, nil, 0, nil),
		sender:   &recordingPeer{id: "sender"},
		receiver: &recordingPeer{id: "receiver"},
	}
	sess, err := mgr.Create(f.sender)
	require.NoError(t, err)
	_, _, err = sess.AttachReceiver(f.receiver)
	require.NoError(t, err)
	_, err = sess.AnnounceFileInfo(f.sender, session.FileInfo{Name: "x.bin", Size: size})
	require.NoError(t, err)
	f.sess = sess
	return f
}

func (f *fixture) open(t *testing.T, w *gateWriter, buf *syncBuffer, highWater int) (*StreamSink, context.CancelFunc, <-chan error) {
	t.Helper()
	var sink *StreamSink
	if w != nil {
		sink = newStreamSink(w, nil, highWater)
	} else {
		sink = newStreamSink(buf, nil, highWater)
	}
	require.NoError(t, f.sess.AttachSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- sink.Serve(ctx) }()
	t.Cleanup(cancel)
	return sink, cancel, served
}

func (f *fixture) chunk(index, total uint64, data string) Chunk {
	return Chunk{Code: f.sess.Code(), Index: index, Total: total, Last: index == total-1, Data: []byte(data)}
}

func TestEngine_RelayToCompletion(t *testing.T) {
	f := newFixture(t, 9)
	buf := &syncBuffer{}
	sink, _, served := f.open(t, nil, buf, 1<<20)

	for i, part := range []string{"abc", "def", "ghi"} {
		require.NoError(t, f.engine.Submit(f.sender, f.chunk(uint64(i), 3, part)))
	}

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sink was not closed after the last chunk")
	}

	assert.Equal(t, "abcdefghi", buf.String())
	assert.Equal(t, []uint64{0, 1, 2}, f.sender.acks())
	assert.Equal(t, 1, sink.Closes())
	assert.False(t, f.sess.HasSink())

	n, last := f.sess.Progress()
	assert.Equal(t, int64(9), n)
	assert.Equal(t, int64(2), last)
}

func TestEngine_AckDeferredUntilDrained(t *testing.T) {
	f := newFixture(t, 8)
	w := newGateWriter()
	f.open(t, w, nil, 1)

	require.NoError(t, f.engine.Submit(f.sender, f.chunk(0, 2, "abcd")))
	assert.Empty(t, f.sender.acks(), "ack must wait for the sink to drain")
	assert.True(t, f.sess.InFlight())

	err := f.engine.Submit(f.sender, f.chunk(1, 2, "efgh"))
	assert.ErrorIs(t, err, session.ErrOutOfWindow)

	w.release <- struct{}{}
	assert.Eventually(t, func() bool { return len(f.sender.acks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.sess.InFlight())
	assert.Equal(t, 4, w.Len(), "the rejected chunk is never written")
}

func TestEngine_SingleOutstandingChunk(t *testing.T) {
	f := newFixture(t, 100)
	w := newGateWriter()
	f.open(t, w, nil, 1)

	const total = 10
	for i := uint64(0); i < total; i++ {
		require.NoError(t, f.engine.Submit(f.sender, f.chunk(i, total, "0123456789")))
		for j := 0; j < 3; j++ {
			assert.ErrorIs(t, f.engine.Submit(f.sender, f.chunk(i, total, "x")), session.ErrOutOfWindow)
		}
		w.release <- struct{}{}
		want := int(i) + 1
		require.Eventually(t, func() bool { return len(f.sender.acks()) == want }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 100, w.Len())
}

func TestEngine_ReceiverDropAndReopen(t *testing.T) {
	f := newFixture(t, 6)
	first := &syncBuffer{}
	sink, cancel, served := f.open(t, nil, first, 1<<20)

	require.NoError(t, f.engine.Submit(f.sender, f.chunk(0, 2, "abc")))
	require.Eventually(t, func() bool { return first.String() == "abc" }, 2*time.Second, 5*time.Millisecond)

	cancel()
	err := <-served
	require.ErrorIs(t, err, session.ErrReceiverGone)
	f.engine.Detach(f.sess, sink, err)
	f.engine.Detach(f.sess, sink, err)

	assert.Equal(t, 1, f.sender.count(session.EventReceiverDisconnected))
	assert.ErrorIs(t, f.engine.Submit(f.sender, f.chunk(1, 2, "def")), session.ErrReceiverGone)
	assert.Equal(t, 1, f.sender.count(session.EventReceiverDisconnected), "one notification per disconnect")
	assert.Equal(t, "abc", first.String(), "no bytes reach a closed sink")

	second := &syncBuffer{}
	_, _, served2 := f.open(t, nil, second, 1<<20)
	require.NoError(t, f.engine.Submit(f.sender, f.chunk(0, 2, "abc")))
	require.NoError(t, f.engine.Submit(f.sender, f.chunk(1, 2, "def")))
	require.NoError(t, <-served2)
	assert.Equal(t, "abcdef", second.String())
}

func TestEngine_FailedWriteNotCounted(t *testing.T) {
	f := newFixture(t, 6)
	sink := newStreamSink(&syncBuffer{}, nil, 1<<20)
	require.NoError(t, f.sess.AttachSink(sink))
	sink.Abort(session.ErrReceiverGone)

	require.NoError(t, f.engine.Submit(f.sender, f.chunk(0, 2, "abc")))
	require.Eventually(t, func() bool {
		return f.sender.count(session.EventReceiverDisconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)

	n, _ := f.sess.Progress()
	assert.Zero(t, n, "bytes refused by the sink are not transferred")
	assert.Empty(t, f.sender.acks())
	assert.False(t, f.sess.HasSink())
}

func TestEngine_Rejections(t *testing.T) {
	f := newFixture(t, 4)
	f.open(t, nil, &syncBuffer{}, 1<<20)

	tests := []struct {
		name    string
		peer    session.Peer
		chunk   Chunk
		wantErr error
	}{
		{"unknown code", f.sender, Chunk{Code: "ZZZZ", Total: 1, Last: true}, session.ErrInvalidCode},
		{"not the sender", f.receiver, f.chunk(0, 1, "ab"), session.ErrUnauthorized},
		{"exceeds announced size", f.sender, f.chunk(0, 1, "abcde"), session.ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.engine.Submit(tt.peer, tt.chunk), tt.wantErr)
		})
	}

	t.Run("inconsistent last flag", func(t *testing.T) {
		c := f.chunk(0, 2, "ab")
		c.Last = true
		assert.Error(t, f.engine.Submit(f.sender, c))
	})
}

func TestStreamSink_CloseOnce(t *testing.T) {
	buf := &syncBuffer{}
	sink := newStreamSink(buf, nil, 16)

	ready, drained := sink.Write([]byte("hello"))
	assert.True(t, ready)

	sink.Close()
	sink.Close()
	assert.Equal(t, 1, sink.Closes())

	require.NoError(t, sink.Serve(context.Background()))
	assert.NoError(t, <-drained)
	assert.Equal(t, "hello", buf.String())

	_, drained = sink.Write([]byte("late"))
	assert.ErrorIs(t, <-drained, ErrSinkClosed)
	assert.Equal(t, "hello", buf.String())
}

func TestStreamSink_HighWaterMark(t *testing.T) {
	sink := newStreamSink(&syncBuffer{}, nil, 8)

	ready, _ := sink.Write([]byte("1234"))
	assert.True(t, ready)
	ready, _ = sink.Write([]byte("5678"))
	assert.False(t, ready)
	assert.Equal(t, 8, sink.Buffered())
}

func TestStreamSink_AbortFailsPending(t *testing.T) {
	sink := newStreamSink(&syncBuffer{}, nil, 8)
	_, drained := sink.Write([]byte("abc"))

	sink.Abort(nil)
	assert.ErrorIs(t, <-drained, session.ErrReceiverGone)
	assert.ErrorIs(t, sink.Serve(context.Background()), session.ErrReceiverGone)

	select {
	case <-sink.Done():
	default:
		t.Fatal("Done() should be closed after Abort")
	}
	assert.Equal(t, 0, sink.Closes())
}
