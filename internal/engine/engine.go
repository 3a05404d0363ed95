package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/dispatcher"
	"github.com/fishtest-worker/worker/internal/lock"
	"github.com/fishtest-worker/worker/internal/matchrunner"
	"github.com/fishtest-worker/worker/internal/upload"
	"github.com/fishtest-worker/worker/internal/wtypes"
)

// Backoff bounds for failed iterations: the delay starts at
// InitialRetryTime, doubles per consecutive failure, and never exceeds
// MaxRetryTime.
const (
	InitialRetryTime = 15 * time.Second
	MaxRetryTime     = 900 * time.Second
)

// ThreadJoinTimeout bounds how long the main loop waits for the heartbeat
// goroutine to notice shutdown before giving up and exiting anyway.
const ThreadJoinTimeout = 15 * time.Second

// ExitSentinelName is the file whose presence during the backoff wait
// triggers a clean shutdown.
const ExitSentinelName = "fish.exit"

// testingDirCap bounds how many files the worker keeps under testing/
// across iterations; the rest (oldest first) are trimmed before each task
// request.
const testingDirCap = 64

// errTaskDropped cancels a running match after the heartbeat loop observed
// task_alive=false. It is never reported to the dispatcher; the server
// already knows the task is gone.
var errTaskDropped = errors.New("task no longer alive on the server")

// Updater performs the worker's self-update when the dispatcher reports a
// required version higher than the one this process is running. It is an
// external collaborator: the contract is "try to update, the caller always
// treats the outcome as forcing an exit", not how the update itself works.
type Updater interface {
	Update(ctx context.Context, requiredVersion int) error
}

// Engine is the task lifecycle engine: it drives version checks, task
// pulls, supervised match runs, and reporting, coordinating the dispatcher
// client, the process lock, the match runner harness, and the result
// uploader through SharedState.
type Engine struct {
	Client  *dispatcher.Client
	State   *SharedState
	Lock    *lock.Lock
	Updater Updater
	Logger  *zap.Logger

	InstallDir  string
	GlobalCache string
	Password    string
	Version     int
	Fleet       bool
	Compiler    string
	Concurrency int

	// ReceivedSignal reports the termination signal delivered so far, or
	// nil. Wired from WatchSignals; used to attribute a cancelled match to
	// the signal that caused it when reporting the failure.
	ReceivedSignal func() os.Signal

	// GitHubRemaining reports the GitHub API budget left before each task
	// request. Defaults to dispatcher.RemainingGitHubAPICalls when nil.
	GitHubRemaining func(ctx context.Context) int

	// Info is the worker_info payload sent with every authenticated call.
	// NearGitHubAPILimit is mutated between iterations; every other field
	// is set once at construction and never changes.
	Info dispatcher.WorkerInfo
}

// Run executes the full lifecycle: an initial version check, then the
// request-task -> run -> report -> upload -> backoff loop, until Alive goes
// false, fish.exit appears, or (in fleet mode) an iteration fails. It
// returns the process exit code: 0 for a clean fish.exit stop, 1 otherwise.
func (e *Engine) Run(ctx context.Context) int {
	log := e.Logger.Named("engine")

	if !e.startupVersionCheck(ctx) {
		return 1
	}

	delay := InitialRetryTime
	fishExit := false
	checkSentinel := func() bool {
		if !sentinelExists(e.InstallDir) {
			return false
		}
		e.State.Stop()
		log.Info("stopped by fish.exit sentinel")
		fishExit = true
		return true
	}

	for e.State.Alive() {
		success := e.runIteration(ctx)

		if checkSentinel() {
			break
		}
		if !e.State.Alive() {
			break
		}
		if success {
			delay = InitialRetryTime
			continue
		}
		if e.Fleet {
			e.State.Stop()
			log.Info("exiting: fleet mode and the iteration failed")
			break
		}
		log.Info("waiting before retrying", zap.Duration("delay", delay))
		if !interruptibleSleep(ctx, delay) {
			break
		}
		delay = nextBackoff(delay)
		if checkSentinel() {
			break
		}
	}

	if fishExit {
		if err := os.Remove(filepath.Join(e.InstallDir, ExitSentinelName)); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove fish.exit sentinel", zap.Error(err))
		}
	}

	if err := e.Lock.Release(); err != nil {
		log.Warn("failed to release process lock", zap.Error(err))
	}

	if fishExit {
		return 0
	}
	return 1
}

// nextBackoff doubles d, capped at MaxRetryTime.
func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > MaxRetryTime {
		return MaxRetryTime
	}
	return next
}

// interruptibleSleep sleeps for d or until ctx is cancelled, whichever
// comes first. Returns false if interrupted.
func interruptibleSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func sentinelExists(installDir string) bool {
	_, err := os.Stat(filepath.Join(installDir, ExitSentinelName))
	return err == nil
}

// startupVersionCheck runs once before the main loop starts. A semantic
// error (bad credentials, blocked account) or a required self-update both
// stop the worker with exit 1. A transient network failure does not; the
// first request_task call will surface anything a flaky connection papered
// over.
func (e *Engine) startupVersionCheck(ctx context.Context) bool {
	ok, err := e.checkVersion(ctx)
	if err != nil {
		e.Logger.Error("startup version check failed", zap.Error(err))
		return false
	}
	if !ok {
		e.Logger.Warn("startup version check could not reach the dispatcher, proceeding anyway")
	}
	return true
}

// checkVersion calls /api/request_version and, if the server requires a
// newer worker, triggers self-update. Returns (true, nil) only when the
// worker may proceed with its current version and credentials.
func (e *Engine) checkVersion(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	defer cancel()

	required, resp, err := e.Client.RequestVersion(reqCtx, e.Info, e.Password)
	if err != nil {
		var fatalErr *wtypes.FatalError
		if errors.As(err, &fatalErr) {
			// A fatal HTTP-level dispatcher rejection (e.g. a banned or
			// blocked worker getting 403s) must stop the worker outright,
			// not just fail this iteration.
			e.State.Stop()
			return false, err
		}
		// A transient network error here is treated as an iteration
		// failure by the caller, not a hard stop.
		return false, nil //nolint:nilerr
	}
	if resp.HasError() {
		return false, fmt.Errorf("dispatcher rejected credentials: %s", resp.Error)
	}
	if required > e.Version {
		e.Logger.Info("dispatcher requires a newer worker version, updating", zap.Int("required", required), zap.Int("current", e.Version))
		if err := e.Lock.Release(); err != nil {
			e.Logger.Warn("failed to release lock before self-update", zap.Error(err))
		}
		if e.Updater != nil {
			if updErr := e.Updater.Update(ctx, required); updErr != nil {
				e.Logger.Error("self-update failed", zap.Error(updErr))
			}
		}
		// Whether or not the update itself succeeded, this process must
		// exit so a supervisor can start the freshly updated one.
		return false, fmt.Errorf("self-update to version %d required", required)
	}
	return true, nil
}

// runIteration is one full pass of REQUEST_TASK -> RUN -> REPORT -> UPLOAD.
// Returns false for any outcome BACKOFF should treat as a failed iteration:
// a network error, task_waiting, a reported task failure, or a version
// mismatch severe enough to have stopped the worker.
func (e *Engine) runIteration(ctx context.Context) bool {
	log := e.Logger.Named("engine")

	ok, err := e.checkVersion(ctx)
	if err != nil {
		e.State.Stop()
		log.Error("version check failed mid-run", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	trimTestingDir(e.InstallDir, log)
	githubRemaining := e.GitHubRemaining
	if githubRemaining == nil {
		githubRemaining = dispatcher.RemainingGitHubAPICalls
	}
	e.Info.NearGitHubAPILimit = githubRemaining(ctx) <= dispatcher.NearGitHubLimitThreshold
	if e.Info.NearGitHubAPILimit {
		log.Info("near the GitHub API rate limit, server will avoid tasks needing a fresh pull")
	}

	reqCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	task, waiting, err := e.requestTask(reqCtx)
	cancel()
	if err != nil {
		var fatalErr *wtypes.FatalError
		if errors.As(err, &fatalErr) {
			e.State.Stop()
			log.Error("requesting task failed fatally, stopping", zap.Error(err))
			return false
		}
		log.Warn("requesting task failed", zap.Error(err))
		return false
	}
	if waiting {
		log.Info("no task available, waiting")
		return false
	}

	return e.runTask(ctx, task)
}

func (e *Engine) requestTask(ctx context.Context) (*Task, bool, error) {
	waiting, resp, err := e.Client.RequestTask(ctx, e.Info, e.Password)
	if err != nil {
		return nil, false, err
	}
	if resp.HasError() {
		return nil, false, fmt.Errorf("dispatcher: %s", resp.Error)
	}
	if waiting {
		return nil, true, nil
	}

	runRaw, _ := resp.Raw["run"].(map[string]any)
	taskIDFloat, _ := resp.Raw["task_id"].(float64)
	args, _ := runRaw["args"].(map[string]any)
	numGames := 0
	if myTask, ok := runRaw["my_task"].(map[string]any); ok {
		if n, ok := myTask["num_games"].(float64); ok {
			numGames = int(n)
		}
	}
	runID := ""
	if id, ok := runRaw["_id"].(string); ok {
		runID = id
	}

	return &Task{
		RunID:    runID,
		TaskID:   int(taskIDFloat),
		Args:     args,
		NumGames: numGames,
	}, false, nil
}

// runTask is RUN + REPORT + UPLOAD for a single successfully-requested
// task.
func (e *Engine) runTask(ctx context.Context, task *Task) bool {
	log := e.Logger.Named("engine")
	log.Info("starting task",
		zap.String("run_id", task.RunID),
		zap.Int("task_id", task.TaskID),
		zap.String("run_type", task.RunType()),
		zap.Int("num_games", task.NumGames),
	)

	e.State.SetTask(task)
	defer e.State.SetTask(nil)

	tc, _ := task.Args["tc"].(string)
	threads := 1
	if v, ok := task.Args["threads"].(float64); ok {
		threads = int(v)
	}
	newTag, _ := task.Args["new_tag"].(string)
	baseTag, _ := task.Args["base_tag"].(string)

	params := matchrunner.MatchParams{
		RunID:       task.RunID,
		TaskID:      task.TaskID,
		TC:          tc,
		Threads:     threads,
		Concurrency: e.Concurrency,
		NumGames:    task.NumGames,
		NewTag:      newTag,
		BaseTag:     baseTag,
	}

	result, runErr := matchrunner.Run(ctx, e.InstallDir, params, func(ev matchrunner.ProgressEvent) error {
		// Cooperative cancellation: the runner re-checks the shared state
		// on every progress line, so a signal or a server-side task drop
		// tears the match down without waiting for it to finish.
		if !e.State.Alive() {
			return wtypes.NewWorker("worker is shutting down")
		}
		if e.State.Task() == nil {
			return errTaskDropped
		}
		updCtx, cancel := context.WithTimeout(context.Background(), dispatcher.Timeout)
		defer cancel()
		_, _ = e.Client.UpdateTask(updCtx, map[string]any{
			"password": e.Password,
			"run_id":   task.RunID,
			"task_id":  task.TaskID,
			"stats":    map[string]any{"games_done": ev.GamesDone, "games_total": ev.GamesTotal},
		})
		return nil
	})

	if runErr != nil {
		if errors.Is(runErr, errTaskDropped) || e.State.Task() == nil {
			log.Info("server dropped the task mid-run, abandoning it",
				zap.String("run_id", task.RunID), zap.Int("task_id", task.TaskID))
			return false
		}
		if e.ReceivedSignal != nil {
			if sig := e.ReceivedSignal(); sig != nil {
				runErr = &SignalDeliveredError{Signal: sig}
			}
		}
		e.reportOutcome(ctx, task, runErr)
		return false
	}

	e.upload(ctx, task, result)
	return true
}

// reportOutcome sends the report call appropriate to the failure kind:
// fatal errors and unrecognized exceptions stop the worker and report via
// failed_task; run-scoped errors report via stop_run; worker-scoped errors
// report via failed_task and the worker continues. A nil err reports
// nothing.
func (e *Engine) reportOutcome(ctx context.Context, task *Task, err error) {
	if err == nil {
		return
	}
	log := e.Logger.Named("engine")

	message := wtypes.Describe(err, e.Version)
	log.Warn("task failed", zap.String("message", message))

	repCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	defer cancel()

	var repErr error
	var fe *wtypes.FatalError
	var re *wtypes.RunError
	var we *wtypes.WorkerError
	switch {
	case errors.As(err, &fe):
		e.State.Stop()
		_, repErr = e.Client.FailedTask(repCtx, e.Password, task.RunID, task.TaskID, message, e.Info)
	case errors.As(err, &re):
		_, repErr = e.Client.StopRun(repCtx, e.Password, task.RunID, task.TaskID, message, e.Info)
	case errors.As(err, &we):
		_, repErr = e.Client.FailedTask(repCtx, e.Password, task.RunID, task.TaskID, message, e.Info)
	default:
		// An error of a kind the taxonomy doesn't recognize is fatal,
		// and reported the same way as a FatalError.
		e.State.Stop()
		_, repErr = e.Client.FailedTask(repCtx, e.Password, task.RunID, task.TaskID, message, e.Info)
	}
	if repErr != nil {
		log.Warn("reporting task outcome failed, the dispatcher will reap it on its own timeout", zap.Error(repErr))
	}
}

// upload handles the post-match PGN upload: SPSA runs produce no PGN and
// are skipped entirely; otherwise the CRC is checked and the file is
// uploaded on a match, or silently dropped on a mismatch; the PGN file is
// always deleted afterward.
func (e *Engine) upload(ctx context.Context, task *Task, result matchrunner.Result) {
	log := e.Logger.Named("engine")
	defer func() {
		if err := upload.Cleanup(result.PGNPath); err != nil {
			log.Warn("failed to remove PGN file", zap.Error(err))
		}
	}()

	if task.RunType() == "spsa" {
		return
	}

	payload, err := upload.Prepare(result.PGNPath, result.CRC32, task.RunID, task.TaskID)
	if err != nil {
		log.Info("skipping PGN upload", zap.Error(err))
		return
	}

	upCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	defer cancel()
	if _, err := e.Client.UploadPGN(upCtx, e.Password, task.RunID, task.TaskID, payload, e.Info); err != nil {
		log.Warn("uploading PGN failed", zap.Error(err))
	}
}

// trimTestingDir removes the oldest entries directly under installDir/testing
// once more than testingDirCap are present, keeping the match runner binary
// itself untouched. Best-effort: any error here is advisory, never fatal.
func trimTestingDir(installDir string, log *zap.Logger) {
	dir := filepath.Join(installDir, "testing")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	if len(entries) <= testingDirCap {
		return
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "fastchess" || entry.Name() == "fastchess.exe" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	excess := len(entries) - testingDirCap
	for i := 0; i < excess && i < len(files); i++ {
		path := filepath.Join(dir, files[i].name)
		if err := os.Remove(path); err != nil {
			log.Debug("failed to trim stale file", zap.String("path", path), zap.Error(err))
		}
	}
}
