package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Formatter renders an audit event as a single record.
type Formatter interface {
	Format(event *AuditEvent) ([]byte, error)
}

// JSONFormatter writes events as JSON objects, one per line unless Pretty.
type JSONFormatter struct {
	Pretty bool
}

func (f *JSONFormatter) Format(event *AuditEvent) ([]byte, error) {
	if f.Pretty {
		return json.MarshalIndent(event, "", "  ")
	}
	return json.Marshal(event)
}

// TextFormatter writes one line per event, a bracketed prefix followed by
// key=value pairs for the non-empty fields.
type TextFormatter struct {
	TimeFormat string
}

func (f *TextFormatter) Format(event *AuditEvent) ([]byte, error) {
	timeFormat := f.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] [%s] %s",
		event.Timestamp.Format(timeFormat),
		event.Level,
		event.EventType,
		event.Message,
	)

	field := func(key, value string) {
		if value != "" {
			b.WriteString(" " + key + "=" + value)
		}
	}
	field("pickup_code", event.PickupCode)
	field("peer_id", event.PeerID)
	field("source_ip", event.SourceIP)
	field("mode", event.Mode)
	if event.FileName != "" {
		field("file_name", strconv.Quote(event.FileName))
	}
	if event.Bytes != 0 {
		field("bytes", strconv.FormatInt(event.Bytes, 10))
	}
	if event.Reason != "" {
		field("reason", strconv.Quote(event.Reason))
	}

	return []byte(b.String()), nil
}
