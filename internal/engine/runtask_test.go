//go:build !windows

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/dispatcher"
)

// endpointRecorder counts dispatcher calls per endpoint, concurrency-safe
// since update_task posts arrive from the progress callback.
type endpointRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *endpointRecorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[path]++
}

func (r *endpointRecorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[path]
}

func installFakeRunner(t *testing.T, installDir, script string) {
	t.Helper()
	testingDir := filepath.Join(installDir, "testing")
	require.NoError(t, os.MkdirAll(testingDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(testingDir, "fastchess"), []byte(script), 0755))
}

func newTaskEngine(t *testing.T, installDir string, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Engine{
		Client:     dispatcher.New(srv.URL),
		State:      NewSharedState(),
		Logger:     zap.NewNop(),
		InstallDir: installDir,
		Version:    286,
	}
}

func TestRunTaskHappyPathUploadsPGN(t *testing.T) {
	installDir := t.TempDir()
	pgn := []byte("[Event \"Test\"]\n1. e4 e5 *\n")
	crc := crc32.ChecksumIEEE(pgn)

	installFakeRunner(t, installDir, fmt.Sprintf(`#!/bin/sh
echo '{"games_done": 20, "games_total": 20}'
echo '{"pgn_crc32": "0x%x"}'
`, crc))
	pgnPath := filepath.Join(installDir, "testing", "R1-3.pgn")
	require.NoError(t, os.WriteFile(pgnPath, pgn, 0644))

	rec := &endpointRecorder{}
	e := newTaskEngine(t, installDir, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	task := &Task{
		RunID:    "R1",
		TaskID:   3,
		Args:     map[string]any{"sprt": map[string]any{}, "tc": "10+0.1", "threads": float64(1)},
		NumGames: 20,
	}
	ok := e.runTask(context.Background(), task)

	assert.True(t, ok)
	assert.Equal(t, 1, rec.count("/api/upload_pgn"))
	assert.Zero(t, rec.count("/api/failed_task"))
	assert.Zero(t, rec.count("/api/stop_run"))
	assert.Nil(t, e.State.Task(), "task must be cleared once the match ends")
	_, err := os.Stat(pgnPath)
	assert.True(t, os.IsNotExist(err), "the PGN file must be deleted after upload")
}

func TestRunTaskCRCMismatchSkipsUploadButSucceeds(t *testing.T) {
	installDir := t.TempDir()
	installFakeRunner(t, installDir, `#!/bin/sh
echo '{"pgn_crc32": "0xaaa"}'
`)
	pgnPath := filepath.Join(installDir, "testing", "R1-3.pgn")
	require.NoError(t, os.WriteFile(pgnPath, []byte("different bytes"), 0644))

	rec := &endpointRecorder{}
	e := newTaskEngine(t, installDir, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	task := &Task{RunID: "R1", TaskID: 3, Args: map[string]any{"tc": "10+0.1"}}
	ok := e.runTask(context.Background(), task)

	assert.True(t, ok, "a CRC mismatch is advisory, the task still counts as a success")
	assert.Zero(t, rec.count("/api/upload_pgn"))
	_, err := os.Stat(pgnPath)
	assert.True(t, os.IsNotExist(err), "the PGN file must be deleted even without an upload")
}

func TestRunTaskSPSASkipsUpload(t *testing.T) {
	installDir := t.TempDir()
	installFakeRunner(t, installDir, `#!/bin/sh
echo '{"pgn_crc32": "0x0"}'
`)

	rec := &endpointRecorder{}
	e := newTaskEngine(t, installDir, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	task := &Task{RunID: "R1", TaskID: 3, Args: map[string]any{"spsa": map[string]any{}}}
	ok := e.runTask(context.Background(), task)

	assert.True(t, ok)
	assert.Zero(t, rec.count("/api/upload_pgn"), "SPSA runs produce no PGN and never upload")
}

func TestRunTaskDroppedByServerIsNotReported(t *testing.T) {
	installDir := t.TempDir()
	installFakeRunner(t, installDir, `#!/bin/sh
echo '{"games_done": 1, "games_total": 20}'
sleep 0.2
echo '{"games_done": 2, "games_total": 20}'
sleep 30
`)

	rec := &endpointRecorder{}
	var e *Engine
	e = newTaskEngine(t, installDir, func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.Path)
		if r.URL.Path == "/api/update_task" {
			// Simulate the heartbeat loop observing task_alive=false.
			e.State.SetTask(nil)
		}
		json.NewEncoder(w).Encode(map[string]any{})
	})

	task := &Task{RunID: "R1", TaskID: 3, Args: map[string]any{"tc": "10+0.1"}}
	ok := e.runTask(context.Background(), task)

	assert.False(t, ok, "a dropped task is a failed iteration")
	assert.Zero(t, rec.count("/api/failed_task"), "a server-side drop is not reported back")
	assert.Zero(t, rec.count("/api/stop_run"))
}
