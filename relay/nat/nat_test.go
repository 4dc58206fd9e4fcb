package nat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	host := Candidate{Kind: KindHost, Address: "192.168.1.10", Port: 54321}
	srflxA := Candidate{Kind: KindServerReflexive, Address: "203.0.113.5", Port: 40000}
	srflxB := Candidate{Kind: KindServerReflexive, Address: "203.0.113.5", Port: 40001}
	srflxC := Candidate{Kind: KindServerReflexive, Address: "203.0.113.6", Port: 40000}
	relay := Candidate{Kind: KindRelayed, Address: "198.51.100.1", Port: 3478}

	tests := []struct {
		name  string
		cands []Candidate
		want  Record
	}{
		{"host only", []Candidate{host}, Record{ClassOpenInternet, 95}},
		{"host and relay", []Candidate{host, relay}, Record{ClassOpenInternet, 95}},
		{"one srflx", []Candidate{host, srflxA}, Record{ClassFullCone, 90}},
		{"duplicate srflx counted once", []Candidate{srflxA, srflxA}, Record{ClassFullCone, 90}},
		{"two srflx", []Candidate{srflxA, srflxB}, Record{ClassRestrictedCone, 75}},
		{"three srflx", []Candidate{host, srflxA, srflxB, srflxC}, Record{ClassPortRestricted, 50}},
		{"relay only", []Candidate{relay}, Record{ClassSymmetric, 20}},
		{"nothing", nil, Record{ClassUnknown, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.cands))
		})
	}
}

func TestCombined(t *testing.T) {
	tests := []struct {
		name string
		a, b Class
		want int
	}{
		{"full cone pair averages", ClassFullCone, ClassFullCone, 90},
		{"open and full cone averages", ClassOpenInternet, ClassFullCone, 92},
		{"open pair capped", ClassOpenInternet, ClassOpenInternet, 95},
		{"open and symmetric takes minimum", ClassOpenInternet, ClassSymmetric, 20},
		{"restricted and unknown takes minimum", ClassRestrictedCone, ClassUnknown, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combined(NewRecord(tt.a), NewRecord(tt.b)))
			assert.Equal(t, tt.want, Combined(NewRecord(tt.b), NewRecord(tt.a)))
		})
	}
}

func TestNewEstimate(t *testing.T) {
	e := NewEstimate(NewRecord(ClassFullCone), NewRecord(ClassSymmetric))
	assert.Equal(t, ClassFullCone, e.SenderClass)
	assert.Equal(t, ClassSymmetric, e.ReceiverClass)
	assert.Equal(t, 20, e.SuccessPercent)
}

func TestParseCandidate(t *testing.T) {
	c, err := ParseCandidate("candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host")
	require.NoError(t, err)
	assert.Equal(t, KindHost, c.Kind)
	assert.Equal(t, "192.168.1.10", c.Address)
	assert.Equal(t, 54321, c.Port)

	c, err = ParseCandidate("a=candidate:2 1 udp 1694498815 203.0.113.5 40000 typ srflx raddr 192.168.1.10 rport 54321")
	require.NoError(t, err)
	assert.Equal(t, KindServerReflexive, c.Kind)
	assert.Equal(t, "203.0.113.5", c.Address)

	_, err = ParseCandidate("garbage")
	assert.Error(t, err)
}

func TestParseCandidates(t *testing.T) {
	cands, skipped := ParseCandidates([]string{
		"candidate:1 1 udp 2130706431 192.168.1.10 54321 typ host",
		"not a candidate",
		"",
	})
	assert.Len(t, cands, 1)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, ClassOpenInternet, Classify(cands).Class)
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("Full_Cone")
	require.NoError(t, err)
	assert.Equal(t, ClassFullCone, c)
	assert.Equal(t, 90, c.Score())

	_, err = ParseClass("carrier_grade")
	assert.Error(t, err)
}
