package authz

import "github.com/fabricmanagement/authz/logger"

// Logger is re-exported so callers configuring the engine need one import.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			l = logger.NewNullLogger()
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs the correlation ID generator used when a request
// arrives without one.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if f != nil {
			e.traceIDFunc = f
		}
		return nil
	}
}
