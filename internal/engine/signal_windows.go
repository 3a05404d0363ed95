//go:build windows

package engine

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// notifySignals registers the Windows equivalent of the POSIX termination
// set: SIGINT/SIGTERM plus SIGBREAK, which POSIX lacks.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGBREAK)
}

// signalName renders sig with its conventional name, since
// os.Signal.String produces prose ("interrupt") that reads poorly in a
// failure report.
func signalName(sig os.Signal) string {
	switch sig {
	case nil:
		return "<none>"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGBREAK:
		return "SIGBREAK"
	}
	return strings.ToUpper(sig.String())
}
