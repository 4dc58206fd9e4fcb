package signaling

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guni1192/droprelay/relay/codes"
	"github.com/guni1192/droprelay/relay/nat"
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

func (p *recordingPeer) last() event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return event{}
	}
	return p.events[len(p.events)-1]
}

func (p *recordingPeer) named(name string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.name == name {
			out = append(out, e.data)
		}
	}
	return out
}

func setup(t *testing.T, enforce bool, mode session.Mode) (*Relay, *session.Session, *recordingPeer, *recordingPeer) {
	t.Helper()
	mgr := session.NewManager(codes.NewAllocator(codes.Config{}))
	t.Cleanup(func() { mgr.Close() })

	sender := &recordingPeer{id: "sender"}
	receiver := &recordingPeer{id: "receiver"}
	sess, err := mgr.Create(sender)
	require.NoError(t, err)
	_, _, err = sess.AttachReceiver(receiver)
	require.NoError(t, err)
	if mode != "" {
		_, err = sess.AnnounceFileInfo(sender, session.FileInfo{Name: "f", Size: 1, Mode: mode})
		require.NoError(t, err)
	}
	return NewRelay(mgr, enforce, nil), sess, sender, receiver
}

func TestRelay_ForwardDirections(t *testing.T) {
	r, sess, sender, receiver := setup(t, false, session.ModeP2P)

	tests := []struct {
		name    string
		from    *recordingPeer
		to      *recordingPeer
		kind    Kind
		event   string
		wantErr error
	}{
		{"offer sender to receiver", sender, receiver, KindOffer, session.EventP2POffer, nil},
		{"answer receiver to sender", receiver, sender, KindAnswer, session.EventP2PAnswer, nil},
		{"candidate from sender", sender, receiver, KindCandidate, session.EventP2PICECandidate, nil},
		{"candidate from receiver", receiver, sender, KindCandidate, session.EventP2PICECandidate, nil},
		{"progress from receiver", receiver, sender, KindProgress, session.EventP2PProgress, nil},
		{"answer from sender rejected", sender, nil, KindAnswer, "", session.ErrUnauthorized},
		{"offer from receiver rejected", receiver, nil, KindOffer, "", session.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := map[string]string{"sdp": tt.name}
			err := r.Forward(tt.from, sess.Code(), tt.kind, payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got := tt.to.last()
			assert.Equal(t, tt.event, got.name)
			assert.Equal(t, payload, got.data, "payload is forwarded untouched")
		})
	}
}

func TestRelay_NonMemberIsDropped(t *testing.T) {
	r, sess, sender, receiver := setup(t, false, session.ModeP2P)
	stranger := &recordingPeer{id: "stranger"}

	err := r.Forward(stranger, sess.Code(), KindCandidate, "x")
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	assert.Empty(t, sender.named(session.EventP2PICECandidate))
	assert.Empty(t, receiver.named(session.EventP2PICECandidate))
}

func TestRelay_WrongModeRejected(t *testing.T) {
	r, sess, sender, _ := setup(t, false, session.ModeRelay)
	assert.ErrorIs(t, r.Forward(sender, sess.Code(), KindOffer, "x"), session.ErrWrongMode)
}

func TestRelay_ReadinessGate(t *testing.T) {
	r, sess, sender, receiver := setup(t, true, session.ModeP2P)

	assert.ErrorIs(t, r.Forward(sender, sess.Code(), KindOffer, "early"), session.ErrNotReady)
	assert.Empty(t, receiver.named(session.EventP2POffer))

	assert.ErrorIs(t, r.Ready(sender, sess.Code()), session.ErrUnauthorized)
	require.NoError(t, r.Ready(receiver, sess.Code()))
	assert.Len(t, sender.named(session.EventP2PReceiverReady), 1)

	require.NoError(t, r.Forward(sender, sess.Code(), KindOffer, "offer"))
	assert.Equal(t, []any{"offer"}, receiver.named(session.EventP2POffer))
}

func TestRelay_NATStoreAndEstimate(t *testing.T) {
	r, sess, sender, receiver := setup(t, false, "")

	require.NoError(t, r.ReportNAT(sender, sess.Code(), nat.NewRecord(nat.ClassFullCone)))
	forwarded := receiver.named(session.EventP2PNATInfo)
	require.Len(t, forwarded, 1)
	assert.Equal(t, NATInfo{Code: sess.Code(), Role: "sender", Class: nat.ClassFullCone, Percent: 90}, forwarded[0])
	assert.Empty(t, sender.named(session.EventP2PEstimate))

	// Overwrite before the pair is complete.
	require.NoError(t, r.ReportNAT(sender, sess.Code(), nat.NewRecord(nat.ClassOpenInternet)))
	require.NoError(t, r.ReportNAT(receiver, sess.Code(), nat.NewRecord(nat.ClassFullCone)))

	for _, p := range []*recordingPeer{sender, receiver} {
		ests := p.named(session.EventP2PEstimate)
		require.Len(t, ests, 1)
		est := ests[0].(Estimate)
		assert.Equal(t, nat.ClassOpenInternet, est.SenderClass)
		assert.Equal(t, nat.ClassFullCone, est.ReceiverClass)
		assert.Equal(t, 92, est.SuccessPercent)
	}
}

func TestRelay_NATReReportSendsNewEstimate(t *testing.T) {
	r, sess, sender, receiver := setup(t, false, "")

	require.NoError(t, r.ReportNAT(sender, sess.Code(), nat.NewRecord(nat.ClassFullCone)))
	require.NoError(t, r.ReportNAT(receiver, sess.Code(), nat.NewRecord(nat.ClassOpenInternet)))
	require.Len(t, receiver.named(session.EventP2PEstimate), 1)

	// Same class again: nothing new to estimate.
	require.NoError(t, r.ReportNAT(receiver, sess.Code(), nat.NewRecord(nat.ClassOpenInternet)))
	require.Len(t, receiver.named(session.EventP2PEstimate), 1)

	require.NoError(t, r.ReportNAT(receiver, sess.Code(), nat.NewRecord(nat.ClassSymmetric)))
	for _, p := range []*recordingPeer{sender, receiver} {
		ests := p.named(session.EventP2PEstimate)
		require.Len(t, ests, 2)
		est := ests[1].(Estimate)
		assert.Equal(t, nat.ClassSymmetric, est.ReceiverClass)
		assert.Equal(t, 20, est.SuccessPercent)
	}
}

func TestRelay_RequestNAT(t *testing.T) {
	r, sess, sender, receiver := setup(t, false, "")

	ok, err := r.RequestNAT(receiver, sess.Code())
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored yet")

	require.NoError(t, r.ReportNAT(sender, sess.Code(), nat.NewRecord(nat.ClassSymmetric)))
	ok, err = r.RequestNAT(receiver, sess.Code())
	require.NoError(t, err)
	assert.True(t, ok)

	got := receiver.last()
	assert.Equal(t, session.EventP2PNATInfo, got.name)
	assert.Equal(t, nat.ClassSymmetric, got.data.(NATInfo).Class)
}

func TestNATReport_Record(t *testing.T) {
	rec, err := NATReport{NATType: &NATType{Class: "restricted_cone"}}.Record()
	require.NoError(t, err)
	assert.Equal(t, nat.NewRecord(nat.ClassRestrictedCone), rec)

	rec, err = NATReport{Candidates: []string{}}.Record()
	require.NoError(t, err)
	assert.Equal(t, nat.ClassUnknown, rec.Class)

	rec, err = NATReport{Candidates: []string{"candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host"}}.Record()
	require.NoError(t, err)
	assert.Equal(t, nat.ClassOpenInternet, rec.Class)

	_, err = NATReport{}.Record()
	assert.Error(t, err)

	_, err = NATReport{NATType: &NATType{Class: "weird"}}.Record()
	assert.Error(t, err)
}
