// Package engine is the task lifecycle engine: the outer loop that drives
// version checks, task pulls, supervised match runs, and reporting, plus the
// two concurrent control planes that touch its state from the side; the
// heartbeat loop and the signal handler. All three share one small
// mutex-guarded struct; nothing else is shared.
package engine

import (
	"sync"
	"time"
)

// Task is the worker's handle to a dispatcher assignment. It is created by
// a successful /api/request_task response and cleared on completion, on
// failure, or when the heartbeat loop observes task_alive=false.
type Task struct {
	RunID    string
	TaskID   int
	Args     map[string]any
	NumGames int
}

// RunType classifies a task's run shape: sprt, spsa, or a plain num_games
// run. Used for the log line at task start and for deciding whether a PGN
// upload applies (SPSA runs produce none).
func (t Task) RunType() string {
	if t.Args == nil {
		return "num_games"
	}
	if _, ok := t.Args["sprt"]; ok {
		return "sprt"
	}
	if _, ok := t.Args["spsa"]; ok {
		return "spsa"
	}
	return "num_games"
}

// SharedState is the small struct touched by all three concurrent control
// planes: the main loop (G), the heartbeat loop (E), and the signal handler
// (F). It is guarded by a single mutex; no component may cache Alive or Task
// across a suspension point (an HTTP call, a subprocess wait, a sleep).
//
// Invariants:
//   - Alive transitions true -> false exactly once.
//   - Task is non-nil only while a match is running.
//   - LastHeartbeat advances monotonically.
type SharedState struct {
	mu            sync.Mutex
	alive         bool
	task          *Task
	lastHeartbeat time.Time
}

// NewSharedState returns a live SharedState with no active task.
func NewSharedState() *SharedState {
	return &SharedState{alive: true, lastHeartbeat: time.Now()}
}

// Alive reports whether the worker should keep running.
func (s *SharedState) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Stop flips Alive to false. Safe to call more than once; only the first
// call has any effect, matching the "transitions at most once" invariant.
func (s *SharedState) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

// Task returns a snapshot of the currently running task, or nil if none is
// active. The heartbeat loop calls this; it must never mutate the returned
// value's fields, only read them.
func (s *SharedState) Task() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// SetTask installs or clears the active task. Only the main loop calls this
// with a non-nil value (when a task starts) or nil (when it ends); the
// heartbeat loop also clears it to nil when the server reports
// task_alive=false.
func (s *SharedState) SetTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task = t
}

// LastHeartbeat returns the last time a heartbeat was sent.
func (s *SharedState) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// MarkHeartbeat records that a heartbeat was just sent. Only the heartbeat
// loop calls this; the main loop never reads it back; the two loops only
// ever touch disjoint fields of each other's writes.
func (s *SharedState) MarkHeartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
}
