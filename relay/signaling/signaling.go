// Package signaling forwards P2P handshake messages between the two peers
// of a session. Payloads are opaque; only provenance is checked.
package signaling

import (
	"fmt"
	"log/slog"

	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/nat"
	"github.com/guni1192/droprelay/relay/session"
)

// Kind is a relayed message kind.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindNATInfo   Kind = "nat-info"
	KindReady     Kind = "ready"
	KindProgress  Kind = "progress"
	KindComplete  Kind = "complete"
)

type route struct {
	fromSender   bool
	fromReceiver bool
	event        string
}

var routes = map[Kind]route{
	KindOffer:     {fromSender: true, event: session.EventP2POffer},
	KindAnswer:    {fromReceiver: true, event: session.EventP2PAnswer},
	KindCandidate: {fromSender: true, fromReceiver: true, event: session.EventP2PICECandidate},
	KindNATInfo:   {fromSender: true, fromReceiver: true, event: session.EventP2PNATInfo},
	KindReady:     {fromReceiver: true, event: session.EventP2PReceiverReady},
	KindProgress:  {fromReceiver: true, event: session.EventP2PProgress},
	KindComplete:  {fromReceiver: true, event: session.EventP2PComplete},
}

// NATInfo is the classification forwarded to, or pulled by, the other peer.
type NATInfo struct {
	Code    string    `json:"pickupCode"`
	Role    string    `json:"role"`
	Class   nat.Class `json:"class"`
	Percent int       `json:"estimatedSuccessPercent"`
}

// Estimate is sent to both peers once both classifications are known.
type Estimate struct {
	Code string `json:"pickupCode"`
	nat.Estimate
}

// Relay forwards signaling for every session in a registry.
type Relay struct {
	sessions         *session.Manager
	enforceReadiness bool
	logger           *slog.Logger
}

// NewRelay creates a relay. With enforceReadiness, offers sent before the
// receiver signalled readiness are rejected with ErrNotReady.
func NewRelay(sessions *session.Manager, enforceReadiness bool, l *slog.Logger) *Relay {
	if l == nil {
		l = logger.Discard()
	}
	return &Relay{
		sessions:         sessions,
		enforceReadiness: enforceReadiness,
		logger:           logger.WithComponent(l, "Signaling"),
	}
}

// authorize resolves the session and checks from may send kind.
func (r *Relay) authorize(from session.Peer, code string, kind Kind) (*session.Session, route, session.Role, error) {
	rt, ok := routes[kind]
	if !ok {
		return nil, route{}, session.RoleNone, fmt.Errorf("unknown signaling kind %q", kind)
	}
	sess, err := r.sessions.Lookup(code)
	if err != nil {
		return nil, rt, session.RoleNone, err
	}
	role := sess.RoleOf(from)
	switch {
	case role == session.RoleSender && rt.fromSender:
	case role == session.RoleReceiver && rt.fromReceiver:
	default:
		r.logger.Warn("Dropped signaling from non-member",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", from.ID()),
			slog.String("kind", string(kind)),
			slog.String("role", role.String()),
		)
		return nil, rt, role, session.ErrUnauthorized
	}
	if mode := sess.Mode(); mode != "" && mode != session.ModeP2P {
		return nil, rt, role, session.ErrWrongMode
	}
	return sess, rt, role, nil
}

// Forward relays payload from one peer of the session to the other. There
// is no retransmission; a missing counterpart drops the message.
func (r *Relay) Forward(from session.Peer, code string, kind Kind, payload any) error {
	if kind == KindNATInfo || kind == KindReady {
		return fmt.Errorf("%s must go through its dedicated operation", kind)
	}
	sess, rt, _, err := r.authorize(from, code, kind)
	if err != nil {
		return err
	}

	if kind == KindOffer && r.enforceReadiness && !sess.ReceiverReady() {
		return session.ErrNotReady
	}
	return r.deliver(sess, sess.Counterpart(from), rt.event, payload)
}

// Ready records the receiver's readiness and signals the sender.
func (r *Relay) Ready(from session.Peer, code string) error {
	sess, rt, _, err := r.authorize(from, code, KindReady)
	if err != nil {
		return err
	}
	sender, err := sess.MarkReceiverReady(from)
	if err != nil {
		return err
	}
	return r.deliver(sess, sender, rt.event, map[string]string{"pickupCode": sess.Code()})
}

// ReportNAT stores from's classification, forwards it to the other peer and
// sends the combined estimate to both whenever the known pair changes.
func (r *Relay) ReportNAT(from session.Peer, code string, rec nat.Record) error {
	sess, rt, role, err := r.authorize(from, code, KindNATInfo)
	if err != nil {
		return err
	}

	senderRec, receiverRec, pair := sess.SetNAT(role, rec)
	info := NATInfo{Code: sess.Code(), Role: role.String(), Class: rec.Class, Percent: rec.Percent}
	if err := r.deliver(sess, sess.Counterpart(from), rt.event, info); err != nil {
		return err
	}

	r.logger.Debug("NAT classification stored",
		slog.String("pickup_code", sess.Code()),
		slog.String("role", role.String()),
		slog.String("class", string(rec.Class)),
	)

	if pair {
		est := Estimate{Code: sess.Code(), Estimate: nat.NewEstimate(senderRec, receiverRec)}
		r.deliver(sess, sess.Sender(), session.EventP2PEstimate, est)
		r.deliver(sess, sess.Receiver(), session.EventP2PEstimate, est)
		r.logger.Info("P2P estimate",
			slog.String("pickup_code", sess.Code()),
			slog.String("sender_class", string(senderRec.Class)),
			slog.String("receiver_class", string(receiverRec.Class)),
			slog.Int("success_percent", est.SuccessPercent),
		)
	}
	return nil
}

// RequestNAT sends the other side's most recent classification back to
// from. It reports false when none is stored yet.
func (r *Relay) RequestNAT(from session.Peer, code string) (bool, error) {
	sess, rt, role, err := r.authorize(from, code, KindNATInfo)
	if err != nil {
		return false, err
	}
	other := session.RoleSender
	if role == session.RoleSender {
		other = session.RoleReceiver
	}
	rec, ok := sess.NAT(other)
	if !ok {
		return false, nil
	}
	info := NATInfo{Code: sess.Code(), Role: other.String(), Class: rec.Class, Percent: rec.Percent}
	return true, r.deliver(sess, from, rt.event, info)
}

func (r *Relay) deliver(sess *session.Session, to session.Peer, event string, payload any) error {
	if to == nil {
		r.logger.Debug("No counterpart to deliver to",
			slog.String("pickup_code", sess.Code()),
			slog.String("event", event),
		)
		return nil
	}
	if err := to.Send(event, payload); err != nil {
		r.logger.Debug("Signaling delivery failed",
			slog.String("pickup_code", sess.Code()),
			slog.String("peer_id", to.ID()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("deliver %s: %w", event, err)
	}
	return nil
}
