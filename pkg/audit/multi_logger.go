package audit

import (
	"context"
	"errors"
)

// MultiLogger fans each event out to several sinks. Every sink is attempted
// even when an earlier one fails.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger writing to every non-nil sink
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log implements Logger
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Logger
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
