package audit

import (
	"fmt"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventSessionCreate    EventType = "session.create"
	EventSessionJoin      EventType = "session.join"
	EventSessionReject    EventType = "session.reject"
	EventTransferStart    EventType = "transfer.start"
	EventTransferComplete EventType = "transfer.complete"
	EventTransferAbort    EventType = "transfer.abort"
	EventRateLimitDeny    EventType = "ratelimit.deny"
	EventStorageUpload    EventType = "storage.upload"
	EventStorageDelete    EventType = "storage.delete"
)

// Level represents log severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Level      Level                  `json:"level"`
	Message    string                 `json:"message"`
	PickupCode string                 `json:"pickup_code,omitempty"`
	PeerID     string                 `json:"peer_id,omitempty"`
	SourceIP   string                 `json:"source_ip,omitempty"`
	Mode       string                 `json:"mode,omitempty"`
	FileName   string                 `json:"file_name,omitempty"`
	Bytes      int64                  `json:"bytes,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewSessionEvent creates an audit event for session creation or join.
// An empty reason means success; otherwise the event is a rejection.
func NewSessionEvent(eventType EventType, code, peerID, sourceIP, reason string) *AuditEvent {
	level := LevelInfo
	message := fmt.Sprintf("Session %s: %s by %s", eventType, code, peerID)

	if reason != "" {
		level = LevelWarn
		message = fmt.Sprintf("Session rejected for %s (%s): %s", peerID, eventType, reason)
		eventType = EventSessionReject
	}

	return &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Level:      level,
		Message:    message,
		PickupCode: code,
		PeerID:     peerID,
		SourceIP:   sourceIP,
		Reason:     reason,
		Metadata:   make(map[string]interface{}),
	}
}

// NewTransferEvent creates an audit event for the transfer lifecycle.
func NewTransferEvent(eventType EventType, code, mode string, bytes int64, reason string) *AuditEvent {
	level := LevelInfo
	if eventType == EventTransferAbort {
		level = LevelWarn
	}

	return &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Level:      level,
		Message:    fmt.Sprintf("Transfer %s: %s (%s)", eventType, code, mode),
		PickupCode: code,
		Mode:       mode,
		Bytes:      bytes,
		Reason:     reason,
		Metadata:   make(map[string]interface{}),
	}
}

// NewRateLimitEvent creates an audit event for a denied attempt.
func NewRateLimitEvent(action, sourceIP, reason string) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventRateLimitDeny,
		Level:     LevelWarn,
		Message:   fmt.Sprintf("Rate limit denied %s from %s", action, sourceIP),
		SourceIP:  sourceIP,
		Reason:    reason,
		Metadata:  map[string]interface{}{"action": action},
	}
}

// NewStorageEvent creates an audit event for stored blob lifecycle.
func NewStorageEvent(eventType EventType, code, fileName string, bytes int64, reason string) *AuditEvent {
	return &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Level:      LevelInfo,
		Message:    fmt.Sprintf("Storage %s: %s", eventType, code),
		PickupCode: code,
		Mode:       "storage",
		FileName:   fileName,
		Bytes:      bytes,
		Reason:     reason,
		Metadata:   make(map[string]interface{}),
	}
}
