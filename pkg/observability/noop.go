package observability

import "context"

// NoopSpan is a no-op implementation of the Span interface.
type NoopSpan struct{}

func (s *NoopSpan) End()                                               {}
func (s *NoopSpan) SetAttribute(key string, value interface{})        {}
func (s *NoopSpan) AddEvent(name string, attrs map[string]interface{}) {}
func (s *NoopSpan) RecordError(err error)                              {}
func (s *NoopSpan) SetStatus(code int, description string)            {}

// NoopStartSpan is a no-op implementation of StartSpanFunc.
func NoopStartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoopSpan{}
}

// NoopLogger is a logger that discards everything it is given.
type NoopLogger struct{}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger             { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger   { return l }

// NewNoopLogger creates a new NoopLogger.
func NewNoopLogger() Logger {
	return &NoopLogger{}
}
