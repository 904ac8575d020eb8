package observability

import (
	"runtime/debug"
)

// RecoverPanic absorbs a panic from the surrounding function and logs it with
// the stack trace and the given operation name. Meant for goroutines whose
// crash must not take the auth service down, such as shutdown hooks:
//
//	defer observability.RecoverPanic(logger, "shutdown function")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, operation string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("operation", operation).
			Error("panic recovered")
	}
}
