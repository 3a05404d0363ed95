// Package wtypes holds the small error taxonomy shared across the worker:
// fatal (FatalError), run-scoped (RunError), and task-scoped (WorkerError,
// also used for transient network failures) errors. The task lifecycle
// engine reports run-scoped errors via stop_run and the other two via
// failed_task; a fatal error additionally stops the worker.
package wtypes

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// FatalError is unrecoverable for the whole worker process: bad credentials,
// a failed self-update, a missing toolchain, an integrity-check network
// failure, or a delivered signal. The engine sets SharedState.Alive false and
// exits non-zero.
type FatalError struct {
	msg string
	loc string
}

func NewFatal(format string, args ...any) *FatalError {
	return &FatalError{msg: fmt.Sprintf(format, args...), loc: callerLoc()}
}

func (e *FatalError) Error() string    { return e.msg }
func (e *FatalError) Location() string { return e.loc }

// RunError means the task's run is broken; both engines crashed, or the
// task parameters themselves are invalid. Reported via /api/stop_run; the
// worker continues to the next iteration.
type RunError struct {
	msg string
	loc string
}

func NewRun(format string, args ...any) *RunError {
	return &RunError{msg: fmt.Sprintf(format, args...), loc: callerLoc()}
}

func (e *RunError) Error() string    { return e.msg }
func (e *RunError) Location() string { return e.loc }

// WorkerError means this task failed but others may still succeed:
// download failures, transient build errors. Reported via /api/failed_task;
// the worker continues.
type WorkerError struct {
	msg string
	loc string
}

func NewWorker(format string, args ...any) *WorkerError {
	return &WorkerError{msg: fmt.Sprintf(format, args...), loc: callerLoc()}
}

func (e *WorkerError) Error() string    { return e.msg }
func (e *WorkerError) Location() string { return e.loc }

func callerLoc() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Describe renders err the way the dispatcher expects failure messages:
// the error kind, the source location that raised it (when known), and the
// worker version. The same text is used for stderr logging and for the
// message field of failed_task/stop_run reports.
func Describe(err error, version int) string {
	kind := fmt.Sprintf("%T", err)
	loc := ""
	var fe *FatalError
	var re *RunError
	var we *WorkerError
	switch {
	case errors.As(err, &fe):
		kind, loc = "FatalError", fe.Location()
	case errors.As(err, &re):
		kind, loc = "RunError", re.Location()
	case errors.As(err, &we):
		kind, loc = "WorkerError", we.Location()
	}
	if loc != "" {
		return fmt.Sprintf("%s at %s (worker version %d): %s", kind, loc, version, err.Error())
	}
	return fmt.Sprintf("%s (worker version %d): %s", kind, version, err.Error())
}
