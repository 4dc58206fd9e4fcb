package signaling

import (
	"fmt"

	"github.com/guni1192/droprelay/relay/nat"
)

// NATReport is what a peer sends about its own connectivity: either a class
// it computed itself or the raw candidates for the server to classify.
type NATReport struct {
	NATType    *NATType `json:"natType,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// NATType is a self-reported classification.
type NATType struct {
	Class string `json:"class"`
}

// Record resolves the report into a classification. A reported class is
// rescored with the standard table so both sides are comparable.
func (r NATReport) Record() (nat.Record, error) {
	if r.NATType != nil {
		c, err := nat.ParseClass(r.NATType.Class)
		if err != nil {
			return nat.Record{}, err
		}
		return nat.NewRecord(c), nil
	}
	if r.Candidates == nil {
		return nat.Record{}, fmt.Errorf("nat report has neither natType nor candidates")
	}
	cands, _ := nat.ParseCandidates(r.Candidates)
	return nat.Classify(cands), nil
}
