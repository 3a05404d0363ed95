package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/dispatcher"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *dispatcher.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return dispatcher.New(srv.URL)
}

func TestSendIfDueSkipsWithNoTask(t *testing.T) {
	var called bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{})
	})

	state := NewSharedState()
	sendIfDue(context.Background(), client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
	assert.False(t, called, "no beat should be sent without an active task")
}

func TestSendIfDueSkipsBeforeInterval(t *testing.T) {
	var called bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]any{})
	})

	state := NewSharedState()
	state.SetTask(&Task{RunID: "run1", TaskID: 1})
	state.MarkHeartbeat(time.Now())

	sendIfDue(context.Background(), client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
	assert.False(t, called, "no beat should be sent before HeartbeatInterval has elapsed")
}

func TestSendIfDueSendsAfterInterval(t *testing.T) {
	var called bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/api/beat", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	state := NewSharedState()
	state.SetTask(&Task{RunID: "run1", TaskID: 1})
	state.MarkHeartbeat(time.Now().Add(-2 * HeartbeatInterval))

	before := state.LastHeartbeat()
	sendIfDue(context.Background(), client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
	assert.True(t, called)
	assert.True(t, state.LastHeartbeat().After(before), "LastHeartbeat must advance")
}

func TestSendIfDueClearsTaskWhenNotAlive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_alive": false})
	})

	state := NewSharedState()
	state.SetTask(&Task{RunID: "run1", TaskID: 1})
	state.MarkHeartbeat(time.Now().Add(-2 * HeartbeatInterval))

	sendIfDue(context.Background(), client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
	assert.Nil(t, state.Task(), "task_alive=false must clear the active task")
}

func TestRunHeartbeatStopsWhenNotAlive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	state := NewSharedState()
	state.Stop()

	done := make(chan struct{})
	go func() {
		RunHeartbeat(context.Background(), client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "RunHeartbeat did not stop after state.Stop()")
	}
}

func TestRunHeartbeatStopsOnContextCancel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	ctx, cancel := context.WithCancel(context.Background())
	state := NewSharedState()

	done := make(chan struct{})
	go func() {
		RunHeartbeat(ctx, client, state, dispatcher.WorkerInfo{}, "pw", zap.NewNop())
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "RunHeartbeat did not stop after context cancellation")
	}
}
