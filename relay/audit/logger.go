package audit

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/guni1192/droprelay/relay/logger"
)

// Logger is a structured audit logger. Write failures are reported to the
// process logger and never returned to callers of the convenience methods.
type Logger struct {
	formatter Formatter
	output    io.Writer
	errLog    *slog.Logger
	mu        sync.Mutex
}

// NewLogger creates a new audit logger.
func NewLogger(formatter Formatter, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		formatter: formatter,
		output:    output,
		errLog:    logger.Discard(),
	}
}

// NewFormatter returns the formatter for a log format name.
func NewFormatter(format logger.Format) Formatter {
	if format == logger.FormatText {
		return &TextFormatter{}
	}
	return &JSONFormatter{}
}

// SetErrorLogger sets where formatting and write failures are reported.
func (l *Logger) SetErrorLogger(sl *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errLog = logger.WithComponent(sl, "Audit")
}

// Log writes an audit event to the output.
func (l *Logger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.formatter.Format(event)
	if err != nil {
		return err
	}

	_, err = l.output.Write(append(data, '\n'))
	return err
}

func (l *Logger) emit(event *AuditEvent) {
	if l == nil {
		return
	}
	if err := l.Log(event); err != nil {
		l.mu.Lock()
		errLog := l.errLog
		l.mu.Unlock()
		errLog.Error("Failed to log event",
			slog.String("event_type", string(event.EventType)),
			slog.String("error", err.Error()),
		)
	}
}

// LogSession is a convenience method for create/join events and rejections.
func (l *Logger) LogSession(eventType EventType, code, peerID, sourceIP, reason string) {
	l.emit(NewSessionEvent(eventType, code, peerID, sourceIP, reason))
}

// LogTransfer is a convenience method for transfer lifecycle events.
func (l *Logger) LogTransfer(eventType EventType, code, mode string, bytes int64, reason string) {
	l.emit(NewTransferEvent(eventType, code, mode, bytes, reason))
}

// LogRateLimit is a convenience method for denied attempts.
func (l *Logger) LogRateLimit(action, sourceIP, reason string) {
	l.emit(NewRateLimitEvent(action, sourceIP, reason))
}

// LogStorage is a convenience method for stored blob events.
func (l *Logger) LogStorage(eventType EventType, code, fileName string, bytes int64, reason string) {
	l.emit(NewStorageEvent(eventType, code, fileName, bytes, reason))
}

// Close closes the logger.
func (l *Logger) Close() error {
	if closer, ok := l.output.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
