package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	l := New(path)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")
	first := New(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := New(path)
	err := second.Acquire()
	require.Error(t, err)
	var already *ErrAlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, os.Getpid(), already.PID)
}
