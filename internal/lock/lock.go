// Package lock provides the single-instance guard the worker takes before
// doing anything else: only one worker process may run against a given
// state directory at a time.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock. Err.Error() includes the competing PID when it could be
// recovered from the lock file's own content.
type ErrAlreadyRunning struct {
	PID int // 0 if unknown
}

func (e *ErrAlreadyRunning) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock: worker already running (pid %d)", e.PID)
	}
	return "lock: worker already running"
}

// Lock wraps a flock.Flock taken on a single fixed path, with the holder's
// PID written into the file so a blocked caller can report who holds it.
// gofrs/flock doesn't expose the holder's PID cross-platform, so this
// worker writes its own.
type Lock struct {
	fl   *flock.Flock
	path string
}

// New returns a Lock bound to path. Nothing is opened or locked until
// Acquire is called, which creates the file if it does not exist.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path), path: path}
}

// Acquire takes an exclusive, non-blocking lock. If another process already
// holds it, it returns *ErrAlreadyRunning; populated with that process's
// PID when the lock file's previously-written content can be parsed.
func (l *Lock) Acquire() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock: acquiring %s: %w", l.path, err)
	}
	if !ok {
		return &ErrAlreadyRunning{PID: readHolderPID(l.path)}
	}
	if err := l.writeOwnPID(); err != nil {
		// The lock itself was acquired; failing to record our own PID for
		// the benefit of the *next* caller is not fatal to us.
		return nil
	}
	return nil
}

// Release drops the lock. The PID content is left in place; the next
// Acquire's caller only reads it if TryLock fails, at which point it
// necessarily belongs to whoever is currently holding it.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: releasing %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) writeOwnPID() error {
	return os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readHolderPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}
