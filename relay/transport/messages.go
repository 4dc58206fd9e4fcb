package transport

import (
	"encoding/json"

	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/signaling"
	"github.com/guni1192/droprelay/relay/storage"
)

// Response answers create-session and join-session.
type Response struct {
	Success bool   `json:"success"`
	Code    string `json:"pickupCode,omitempty"`
	Message string `json:"message,omitempty"`
}

type codeRequest struct {
	Code string `json:"pickupCode"`
}

type fileInfoRequest struct {
	Code string `json:"pickupCode"`
	session.FileInfo
}

type chunkRequest struct {
	Code        string `json:"pickupCode"`
	ChunkIndex  uint64 `json:"chunkIndex"`
	TotalChunks uint64 `json:"totalChunks"`
	IsLast      bool   `json:"isLastChunk"`
	Chunk       []byte `json:"chunk"`
}

type speedRequest struct {
	Code  string  `json:"pickupCode"`
	Speed float64 `json:"speed"`
}

type natRequest struct {
	Code string `json:"pickupCode"`
	signaling.NATReport
}

type receivedRequest struct {
	Code          string `json:"pickupCode"`
	ReceivedBytes int64  `json:"receivedBytes"`
}

// signalRequest keeps the raw payload so offers and candidates reach the
// other side untouched.
type signalRequest struct {
	Code string `json:"pickupCode"`
	raw  json.RawMessage
}

func (s *signalRequest) UnmarshalJSON(b []byte) error {
	var head codeRequest
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	s.Code = head.Code
	s.raw = append(json.RawMessage(nil), b...)
	return nil
}

// UploadResponse answers /api/upload-file.
type UploadResponse struct {
	Success          bool          `json:"success"`
	Code             string        `json:"pickupCode,omitempty"`
	Retention        string        `json:"retention,omitempty"`
	DeleteOnDownload bool          `json:"deleteOnDownload"`
	FileInfo         *storage.Meta `json:"fileInfo,omitempty"`
	Message          string        `json:"message,omitempty"`
}
