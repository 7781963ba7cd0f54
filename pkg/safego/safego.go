// Package safego guards the proxy's long-lived background loops (capture
// rotation, the config watcher, the wiretap hub) against panics taking the
// whole process down.
package safego

import (
	"go.uber.org/zap"
)

// Go runs fn on its own goroutine. A panic inside fn is logged with the
// loop's name and stack and the goroutine exits; the process keeps
// serving.
//
//	safego.Go(logger, "wiretap_hub", func() { hub.Run(ctx) })
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Background loop panicked",
					zap.String("loop", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
