// Package async starts background goroutines whose panics must be
// contained: a crashed heartbeat or collector should surface in the log,
// not take the worker process down mid-lease.
package async

import "runtime/debug"

// PanicLogger receives panic reports. logging.Logger satisfies it.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic in fn is logged with its
// stack under name and swallowed; the caller keeps running.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred handler behind Go, exported for callers that
// manage their own goroutines but want the same containment.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("goroutine %s panicked: %v\n%s", name, r, debug.Stack())
}
