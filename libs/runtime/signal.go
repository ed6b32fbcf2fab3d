package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext is the root context of a service process. It cancels
// on SIGINT or SIGTERM so shutdown can drain in-flight work before the
// orchestrator escalates to SIGKILL.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
