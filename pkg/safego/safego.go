// Package safego runs background workers with panic isolation. The
// proxy's long-lived loops (session eviction, model discovery) must not
// take the process down when they fail.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on a new goroutine. A panic inside fn is logged with the
// worker name and swallowed; the rest of the process keeps serving.
func Go(logger *zap.Logger, worker string, fn func()) {
	go Run(logger, worker, fn)
}

// Run executes fn on the calling goroutine with the same panic
// isolation. Useful when the caller already owns the goroutine.
func Run(logger *zap.Logger, worker string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Background worker panicked",
				zap.String("worker", worker),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
