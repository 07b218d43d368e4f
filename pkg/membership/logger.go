package membership

// LogField represents a structured log field.
type LogField struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...LogField)

	// Info logs an info message with fields.
	Info(msg string, fields ...LogField)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...LogField)

	// Error logs an error message with fields.
	Error(msg string, fields ...LogField)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...LogField) {}
func (n *NoopLogger) Info(msg string, fields ...LogField)  {}
func (n *NoopLogger) Warn(msg string, fields ...LogField)  {}
func (n *NoopLogger) Error(msg string, fields ...LogField) {}
