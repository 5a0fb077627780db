package audit

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for audit sinks
type Logger interface {
	// Log records an event. Sinks must not retain event after returning.
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the sink
	Close() error
}

// NopLogger drops every event
type NopLogger struct{}

func (NopLogger) Log(context.Context, *Event) error { return nil }
func (NopLogger) Close() error                      { return nil }

// LogrusLogger writes one JSON line per event through logrus
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger creates a JSON audit logger writing to w
func NewLogrusLogger(w io.Writer) *LogrusLogger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message"},
	})
	logger.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{logger: logger}
}

// Log implements Logger
func (l *LogrusLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit_id":   event.ID,
		"event_type": string(event.Type),
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.OrganizationID != nil {
		fields["organization_id"] = *event.OrganizationID
	}
	if event.LicenseID != nil {
		fields["license_id"] = *event.LicenseID
	}
	if event.TargetUserID != nil {
		fields["target_user_id"] = *event.TargetUserID
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	l.logger.WithTime(event.Timestamp).WithFields(fields).Info(event.Message)
	return nil
}

// Close implements Logger
func (l *LogrusLogger) Close() error {
	return nil
}

// MemoryLogger keeps events in memory for inspection
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLogger creates an empty in-memory sink
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log implements Logger
func (m *MemoryLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Close implements Logger
func (m *MemoryLogger) Close() error {
	return nil
}

// Events returns a copy of the recorded events
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of one type
func (m *MemoryLogger) OfType(eventType EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
