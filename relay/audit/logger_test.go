package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/guni1192/droprelay/relay/logger"
)

func TestLogger_JSONSessionEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		reason    string
		wantType  EventType
		wantLevel Level
	}{
		{"create", EventSessionCreate, "", EventSessionCreate, LevelInfo},
		{"join", EventSessionJoin, "", EventSessionJoin, LevelInfo},
		{"join rejected", EventSessionJoin, "Invalid pickup code", EventSessionReject, LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger(&JSONFormatter{}, &buf)
			l.LogSession(tt.eventType, "AB12", "peer-1", "192.0.2.1", tt.reason)

			var got AuditEvent
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
			}
			if got.EventType != tt.wantType {
				t.Errorf("EventType = %s, want %s", got.EventType, tt.wantType)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %s, want %s", got.Level, tt.wantLevel)
			}
			if got.PickupCode != "AB12" || got.PeerID != "peer-1" {
				t.Errorf("unexpected identity fields: %+v", got)
			}
		})
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewFormatter(logger.FormatText), &buf)
	l.LogTransfer(EventTransferComplete, "AB12", "relay", 1000, "")

	out := buf.String()
	for _, want := range []string{"[transfer.complete]", "pickup_code=AB12", "mode=relay", "bytes=1000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("each event should end with a newline")
	}
}

func TestLogger_TransferAbortIsWarn(t *testing.T) {
	e := NewTransferEvent(EventTransferAbort, "AB12", "p2p", 0, "sender disconnected")
	if e.Level != LevelWarn {
		t.Errorf("Level = %s, want WARN", e.Level)
	}
}

func TestLogger_WriteFailureIsNotFatal(t *testing.T) {
	l := NewLogger(&JSONFormatter{}, failingWriter{})
	l.SetErrorLogger(logger.Discard())

	l.LogRateLimit("join", "192.0.2.1", "exceeded")
	l.LogStorage(EventStorageUpload, "AB12", "x.pdf", 10, "")

	if err := l.Log(NewRateLimitEvent("join", "192.0.2.1", "")); err == nil {
		t.Error("Log() should surface the write error")
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	l.LogTransfer(EventTransferStart, "AB12", "relay", 0, "")
}

// Helper functions

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestTextFormatter_QuotesFreeText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&TextFormatter{}, &buf)
	l.LogStorage(EventStorageUpload, "ZX90", "my report.pdf", 2048, "")

	out := buf.String()
	for _, want := range []string{`file_name="my report.pdf"`, "pickup_code=ZX90", "bytes=2048"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "reason=") {
		t.Errorf("empty reason should be omitted: %q", out)
	}
}
