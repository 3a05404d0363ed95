package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/dispatcher"
)

// HeartbeatInterval is the minimum gap between beats while a task is
// running.
const HeartbeatInterval = 120 * time.Second

// heartbeatTick is how often the loop wakes to check whether a beat is due.
// Waking more often would just burn CPU for no earlier a beat, since the
// gate is HeartbeatInterval.
const heartbeatTick = 1 * time.Second

// RunHeartbeat is the background loop that keeps the dispatcher informed a
// task is still alive: every second it checks whether a task is active and
// the gap since the last heartbeat exceeds HeartbeatInterval; if so it
// sends a beat. A task_alive=false response clears the shared task so the
// main loop notices at its next decision point. Beat failures are logged
// but never escalated.
func RunHeartbeat(ctx context.Context, client *dispatcher.Client, state *SharedState, info dispatcher.WorkerInfo, password string, logger *zap.Logger) {
	log := logger.Named("heartbeat")
	log.Info("heartbeat loop started")
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			if !state.Alive() {
				log.Info("heartbeat loop stopped")
				return
			}
			sendIfDue(ctx, client, state, info, password, log)
		}
	}
}

func sendIfDue(ctx context.Context, client *dispatcher.Client, state *SharedState, info dispatcher.WorkerInfo, password string, log *zap.Logger) {
	task := state.Task()
	if task == nil {
		return
	}
	now := time.Now()
	if now.Sub(state.LastHeartbeat()) <= HeartbeatInterval {
		return
	}
	state.MarkHeartbeat(now)

	beatCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	defer cancel()

	alive, err := client.Beat(beatCtx, info.UniqueKey, password, task.RunID, task.TaskID)
	if err != nil {
		log.Warn("beat failed", zap.Error(err))
		return
	}
	if !alive {
		log.Info("server reports task no longer alive, dropping task", zap.String("run_id", task.RunID))
		state.SetTask(nil)
	}
}
