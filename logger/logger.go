package logger

// Logger is the structured logging surface used by the decision engine and its
// collaborators. Variadic arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc produces a correlation ID for a decision. Must be safe for concurrent use.
type TraceIDFunc func() string
