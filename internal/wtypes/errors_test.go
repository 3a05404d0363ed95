package wtypes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsAreDistinguishable(t *testing.T) {
	var fe *FatalError
	var re *RunError
	var we *WorkerError

	require.True(t, errors.As(NewFatal("boom"), &fe))
	require.True(t, errors.As(NewRun("boom"), &re))
	require.True(t, errors.As(NewWorker("boom"), &we))

	assert.False(t, errors.As(NewRun("boom"), &fe))
	assert.False(t, errors.As(NewWorker("boom"), &re))
}

func TestErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("outer context: %w", NewWorker("download failed"))
	var we *WorkerError
	require.True(t, errors.As(wrapped, &we))
	assert.Equal(t, "download failed", we.Error())
}

func TestDescribeIncludesKindLocationAndVersion(t *testing.T) {
	err := NewWorker("download of %s failed", "book.zip")
	msg := Describe(err, 286)
	assert.Contains(t, msg, "WorkerError")
	assert.Contains(t, msg, "errors_test.go:")
	assert.Contains(t, msg, "worker version 286")
	assert.Contains(t, msg, "download of book.zip failed")
}

func TestDescribeWrappedErrorKeepsInnerLocation(t *testing.T) {
	wrapped := fmt.Errorf("running match: %w", NewRun("both engines crashed"))
	msg := Describe(wrapped, 286)
	assert.Contains(t, msg, "RunError")
	assert.Contains(t, msg, "errors_test.go:")
}

func TestDescribeUnknownErrorFallsBackToType(t *testing.T) {
	msg := Describe(errors.New("surprise"), 286)
	assert.Contains(t, msg, "worker version 286")
	assert.Contains(t, msg, "surprise")
}
