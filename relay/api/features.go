package api

import (
	"net/http"

	"github.com/guni1192/droprelay/relay/config"
)

// Features is the /api/features response.
type Features struct {
	Relay            bool   `json:"relay"`
	P2P              bool   `json:"p2p"`
	Storage          bool   `json:"storage"`
	Retention        string `json:"retention,omitempty"`
	RetentionSeconds int64  `json:"retentionSeconds,omitempty"`
	DeleteOnDownload bool   `json:"deleteOnDownload"`
	MaxFileSize      int64  `json:"maxFileSize,omitempty"`
}

// NewFeatures reports enabled modes. Storage details are included only when
// storage mode is on.
func NewFeatures(f config.Features, s config.Storage) Features {
	out := Features{Relay: f.Relay, P2P: f.P2P, Storage: f.Storage}
	if f.Storage {
		out.Retention = s.Retention.String()
		out.RetentionSeconds = int64(s.Retention.Seconds())
		out.DeleteOnDownload = s.DeleteOnDownload
		out.MaxFileSize = s.MaxFileSize
	}
	return out
}

// FeaturesHandler serves a fixed feature set.
func FeaturesHandler(f Features) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f)
	}
}
