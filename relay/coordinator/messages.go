package coordinator

import "github.com/guni1192/droprelay/relay/session"

// CodeMessage carries just a pickup code.
type CodeMessage struct {
	Code string `json:"pickupCode"`
}

// ErrorMessage is the payload of error, chunk-error and connection-lost.
type ErrorMessage struct {
	Code       string  `json:"pickupCode,omitempty"`
	Message    string  `json:"message"`
	ChunkIndex *uint64 `json:"chunkIndex,omitempty"`
}

// FileInfoMessage delivers the announced metadata to the receiver.
type FileInfoMessage struct {
	Code string `json:"pickupCode"`
	session.FileInfo
}

// SpeedMessage carries a receiver-measured throughput in bytes per second.
type SpeedMessage struct {
	Code  string  `json:"pickupCode"`
	Speed float64 `json:"speed"`
}

// CompleteMessage is sent to the sender when the transfer finishes.
type CompleteMessage struct {
	Code  string `json:"pickupCode"`
	Mode  string `json:"mode"`
	Bytes int64  `json:"bytes"`
}

// MismatchMessage tells the receiver its byte count differs from the
// announced size.
type MismatchMessage struct {
	Code     string `json:"pickupCode"`
	Expected int64  `json:"expected"`
	Received int64  `json:"received"`
}

// Stats is the global view exposed by the health endpoint.
type Stats struct {
	ActiveSessions int   `json:"activeSessions"`
	TodayTransfers int64 `json:"todayTransfers"`
	TotalTransfers int64 `json:"totalTransfers"`
}
