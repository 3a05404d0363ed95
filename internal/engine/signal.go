package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// SignalDeliveredError is the fatal error raised into whatever operation was
// in flight when a termination signal arrived. Its message is what gets
// reported to the dispatcher via /api/failed_task.
type SignalDeliveredError struct {
	Signal os.Signal
}

func (e *SignalDeliveredError) Error() string {
	return fmt.Sprintf("Terminated by signal %s", signalName(e.Signal))
}

// WatchSignals installs handlers for the platform's termination signals
// (SIGINT, SIGTERM, SIGQUIT on POSIX; SIGBREAK is handled by
// notifySignals on Windows) and returns a context that is cancelled
// the moment one arrives, plus a function returning the signal actually
// received (nil until then).
//
// The handler never interrupts running code directly: it only flips
// state.Alive to false and cancels a context; every suspension point in
// the engine (HTTP calls, subprocess waits, backoff sleeps) selects on that
// context's Done channel as its cooperative cancellation check.
func WatchSignals(parent context.Context, state *SharedState, logger *zap.Logger) (ctx context.Context, received func() os.Signal, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)

	var mu sync.Mutex
	var got os.Signal
	done := make(chan struct{})
	go func() {
		select {
		case s := <-sigCh:
			mu.Lock()
			got = s
			mu.Unlock()
			logger.Warn("received termination signal", zap.String("signal", signalName(s)))
			state.Stop()
			cancel()
		case <-done:
		}
	}()

	receivedFn := func() os.Signal {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
	stopFn := func() {
		signal.Stop(sigCh)
		close(done)
	}
	return ctx, receivedFn, stopFn
}
