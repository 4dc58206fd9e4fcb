// Package nat classifies a peer's NAT behaviour from the ICE candidates it
// gathered and estimates the chance of a direct connection between two peers.
package nat

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/ice/v2"
)

// Class is a coarse NAT category.
type Class string

const (
	ClassOpenInternet   Class = "open_internet"
	ClassFullCone       Class = "full_cone"
	ClassRestrictedCone Class = "restricted_cone"
	ClassPortRestricted Class = "port_restricted"
	ClassSymmetric      Class = "symmetric"
	ClassUnknown        Class = "unknown"
)

var scores = map[Class]int{
	ClassOpenInternet:   95,
	ClassFullCone:       90,
	ClassRestrictedCone: 75,
	ClassPortRestricted: 50,
	ClassSymmetric:      20,
	ClassUnknown:        50,
}

// ParseClass accepts the wire names of the classes.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := scores[c]; !ok {
		return "", fmt.Errorf("unknown NAT class %q", s)
	}
	return c, nil
}

// Score returns the estimated direct-connection success percentage for c.
func (c Class) Score() int {
	if s, ok := scores[c]; ok {
		return s
	}
	return scores[ClassUnknown]
}

// Record is one side's classification. It is immutable once produced.
type Record struct {
	Class   Class `json:"class"`
	Percent int   `json:"estimatedSuccessPercent"`
}

// NewRecord builds the record for a class with its standard score.
func NewRecord(c Class) Record {
	return Record{Class: c, Percent: c.Score()}
}

// CandidateKind is the kind of a gathered candidate.
type CandidateKind uint8

const (
	KindHost CandidateKind = iota + 1
	KindServerReflexive
	KindRelayed
)

// Candidate is the part of an ICE candidate the classifier looks at.
type Candidate struct {
	Kind    CandidateKind
	Address string
	Port    int
}

func (c Candidate) key() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ParseCandidate parses an SDP candidate attribute, with or without the
// "candidate:" / "a=candidate:" prefix. Peer-reflexive candidates are
// reported as server-reflexive.
func ParseCandidate(raw string) (Candidate, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "a=")
	s = strings.TrimPrefix(s, "candidate:")

	c, err := ice.UnmarshalCandidate(s)
	if err != nil {
		return Candidate{}, fmt.Errorf("parse candidate: %w", err)
	}

	var kind CandidateKind
	switch c.Type() {
	case ice.CandidateTypeHost:
		kind = KindHost
	case ice.CandidateTypeServerReflexive, ice.CandidateTypePeerReflexive:
		kind = KindServerReflexive
	case ice.CandidateTypeRelay:
		kind = KindRelayed
	default:
		return Candidate{}, fmt.Errorf("parse candidate: unsupported type %s", c.Type())
	}
	return Candidate{Kind: kind, Address: c.Address(), Port: c.Port()}, nil
}

// ParseCandidates parses every line it can and returns the number it skipped.
func ParseCandidates(lines []string) ([]Candidate, int) {
	out := make([]Candidate, 0, len(lines))
	skipped := 0
	for _, l := range lines {
		c, err := ParseCandidate(l)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}

// Classify applies the classification rules to a set of candidates.
func Classify(cands []Candidate) Record {
	var host, relayed bool
	srflx := make(map[string]struct{})
	for _, c := range cands {
		switch c.Kind {
		case KindHost:
			host = true
		case KindServerReflexive:
			srflx[c.key()] = struct{}{}
		case KindRelayed:
			relayed = true
		}
	}

	switch {
	case host && len(srflx) == 0:
		return NewRecord(ClassOpenInternet)
	case len(srflx) == 1:
		return NewRecord(ClassFullCone)
	case len(srflx) == 2:
		return NewRecord(ClassRestrictedCone)
	case len(srflx) >= 3:
		return NewRecord(ClassPortRestricted)
	case relayed:
		return NewRecord(ClassSymmetric)
	default:
		return NewRecord(ClassUnknown)
	}
}

// Combined returns the success estimate for a pair of sides: the minimum of
// both, or their average capped at 95 when both score at least 90.
func Combined(a, b Record) int {
	if a.Percent >= 90 && b.Percent >= 90 {
		return min((a.Percent+b.Percent)/2, 95)
	}
	return min(a.Percent, b.Percent)
}

// Estimate is the pairwise result sent to both peers.
type Estimate struct {
	SenderClass    Class `json:"senderClass"`
	ReceiverClass  Class `json:"receiverClass"`
	SuccessPercent int   `json:"successPercent"`
}

// NewEstimate combines a sender and a receiver record.
func NewEstimate(sender, receiver Record) Estimate {
	return Estimate{
		SenderClass:    sender.Class,
		ReceiverClass:  receiver.Class,
		SuccessPercent: Combined(sender, receiver),
	}
}
