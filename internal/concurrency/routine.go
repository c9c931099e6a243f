package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn on its own goroutine and recovers panics, so a crashing
// background job (session creation, terminal pump, sweep) cannot take the
// daemon down with it. onPanic, when non-nil, receives the recovered value
// after the panic has been logged.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Background goroutine panicked",
					"panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
