package logger

// NopLogger discards every log record. It is mainly useful in tests that
// exercise noisy concurrent code paths.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

// NewNop returns a Logger that discards all records.
func NewNop() Logger {
	return &NopLogger{}
}

func (*NopLogger) Debug(msg string, keysAndValues ...any) {}
func (*NopLogger) Info(msg string, keysAndValues ...any)  {}
func (*NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (*NopLogger) Error(msg string, keysAndValues ...any) {}
func (*NopLogger) Fatal(msg string, keysAndValues ...any) {}
func (*NopLogger) With(keyValues ...any) Logger           { return &NopLogger{} }
func (*NopLogger) Level() Level                           { return InfoLevel }
func (*NopLogger) SetLevel(level Level)                   {}
