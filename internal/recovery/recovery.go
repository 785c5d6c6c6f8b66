// Package recovery keeps a panic in one background goroutine (a progress
// broadcaster, a websocket pump, the session janitor) from taking the whole
// server down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/pakedrop/internal/logging"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "broadcaster")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from panics, logs them and then calls
// callback, which can release whatever the goroutine owned.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a new goroutine with panic recovery. onPanic may be nil.
func Go(logger *slog.Logger, name string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer RecoverWithCallback(logger, name, onPanic)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("panic recovered",
		logging.KeyComponent, name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
