// Package main is the entry point for the fishtest worker binary. It wires
// config/identity/toolchain/lock/matchrunner/integrity together and starts
// the task lifecycle engine.
//
// Startup sequence:
//  1. Parse CLI flags/positional credentials, build logger.
//  2. Acquire the single-instance process lock.
//  3. Load and validate fishtest.cfg; prompt interactively for credentials
//     if still empty and stdin is a terminal. Resolve identity (hw_id,
//     unique_key, concurrency/max_memory from expressions).
//  4. Write the integrity manifest; if --only_config, exit here. Otherwise
//     fetch and compare the remote manifest, aborting on network failure.
//  5. Verify the toolchain and build/verify the match runner.
//  6. Install signal handling, start the heartbeat loop, run the engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/config"
	"github.com/fishtest-worker/worker/internal/dispatcher"
	"github.com/fishtest-worker/worker/internal/engine"
	"github.com/fishtest-worker/worker/internal/identity"
	"github.com/fishtest-worker/worker/internal/integrity"
	"github.com/fishtest-worker/worker/internal/lock"
	"github.com/fishtest-worker/worker/internal/matchrunner"
	"github.com/fishtest-worker/worker/internal/toolchain"
)

// WorkerVersion is the integer protocol version this build reports to the
// dispatcher; the server refuses workers below its required minimum.
const WorkerVersion = 286

var (
	version = "dev"
	commit  = "none"
)

type cliFlags struct {
	protocol    string
	host        string
	port        int
	concurrency string
	maxMemory   string
	uuidPrefix  string
	minThreads  int
	fleet       bool
	globalCache string
	compiler    string
	onlyConfig  bool
	noValidation bool
	installDir  string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "fishtest-worker [USERNAME PASSWORD]",
		Short: "fishtest worker: runs self-play engine matches for a dispatcher",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode, err := run(cmd.Context(), flags, args)
			if err != nil {
				return err
			}
			os.Exit(exitCode)
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().StringVarP(&flags.protocol, "protocol", "P", "", "protocol (http or https)")
	root.Flags().StringVarP(&flags.host, "host", "n", "", "dispatcher host")
	root.Flags().IntVarP(&flags.port, "port", "p", 0, "dispatcher port")
	root.Flags().StringVarP(&flags.concurrency, "concurrency", "c", "", "concurrency expression (e.g. MAX-1)")
	root.Flags().StringVarP(&flags.maxMemory, "max_memory", "m", "", "max memory expression in MiB (e.g. MAX/2)")
	root.Flags().StringVarP(&flags.uuidPrefix, "uuid_prefix", "u", "", "unique_key prefix override (<=8 alphanumeric chars)")
	root.Flags().IntVarP(&flags.minThreads, "min_threads", "t", 0, "minimum engine threads per game")
	root.Flags().BoolVarP(&flags.fleet, "fleet", "f", false, "exit on first failed iteration (ephemeral fleet mode)")
	root.Flags().StringVarP(&flags.globalCache, "global_cache", "g", "", "path to a shared match-runner build cache")
	root.Flags().StringVarP(&flags.compiler, "compiler", "C", "", "compiler to build the match runner with")
	root.Flags().BoolVarP(&flags.onlyConfig, "only_config", "w", false, "write config and integrity manifest, then exit")
	root.Flags().BoolVarP(&flags.noValidation, "no_validation", "v", false, "skip the initial remote integrity check")
	root.Flags().StringVar(&flags.installDir, "install-dir", defaultInstallDir(), "worker install directory (config, lock, testing/)")
	root.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fishtest-worker %s (protocol version %d, commit %s)\n", version, WorkerVersion, commit)
		},
	}
}

func run(ctx context.Context, flags *cliFlags, posArgs []string) (int, error) {
	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		return 1, fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	installDir := flags.installDir
	if err := os.MkdirAll(filepath.Join(installDir, "testing"), 0755); err != nil {
		return 1, fmt.Errorf("creating testing dir: %w", err)
	}

	l := lock.New(filepath.Join(installDir, "fishtest_worker.lock"))
	if err := l.Acquire(); err != nil {
		var already *lock.ErrAlreadyRunning
		if errors.As(err, &already) {
			logger.Error("another worker is already running here", zap.Int("pid", already.PID))
		} else {
			logger.Error("failed to acquire process lock", zap.Error(err))
		}
		return 1, nil
	}

	cfgPath := filepath.Join(installDir, config.FileName)
	compilers := toolchain.DetectCompilers(ctx)
	compilerNames := make([]string, 0, len(compilers))
	for name := range compilers {
		compilerNames = append(compilerNames, name)
	}

	cfg, warnings, err := config.Load(cfgPath, compilerNames)
	if err != nil {
		return 1, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	applyOverrides(cfg, flags, posArgs)
	if !flags.noValidation {
		if err := config.PromptCredentialsIfNeeded(cfg); err != nil {
			return 1, fmt.Errorf("reading credentials: %w", err)
		}
	}

	host, err := identity.ProbeHost()
	if err != nil {
		return 1, fmt.Errorf("probing host resources: %w", err)
	}

	concurrency, reduced, err := identity.ResolveConcurrency(cfg.ConcurrencyExpr, host.LogicalCPUs, mustResolveMemory(cfg, host))
	if err != nil {
		return 1, fmt.Errorf("resolving concurrency: %w", err)
	}
	if reduced {
		logger.Warn("concurrency reduced to fit available memory", zap.Int("resolved", concurrency))
	}
	maxMemory, err := identity.ResolveMaxMemory(cfg.MaxMemoryExpr, host.TotalMemMiB)
	if err != nil {
		return 1, fmt.Errorf("resolving max_memory: %w", err)
	}

	if cfg.HWSeed == 0 {
		cfg.HWSeed = identity.NewSeed()
	}
	hwID, err := identity.ComputeHWID(cfg.HWSeed, installDir)
	if err != nil {
		return 1, fmt.Errorf("computing hardware id: %w", err)
	}
	prefix := cfg.UUIDPrefix
	if prefix == "_hw" {
		prefix = hwID
	}
	uniqueKey := identity.UniqueKey(prefix)

	if err := config.Save(cfgPath, cfg); err != nil {
		logger.Warn("failed to persist config", zap.Error(err))
	}

	binaryPath, err := os.Executable()
	if err != nil {
		binaryPath = ""
	}
	manifest, err := integrity.Generate(binaryPath, "go.sum", WorkerVersion)
	if err != nil {
		return 1, fmt.Errorf("generating integrity manifest: %w", err)
	}
	if err := integrity.Write(installDir, manifest); err != nil {
		return 1, fmt.Errorf("writing integrity manifest: %w", err)
	}

	if flags.onlyConfig {
		logger.Info("only_config set, exiting after writing config and manifest")
		return 0, nil
	}

	baseURL := fmt.Sprintf("%s://%s:%d", cfg.Protocol, cfg.Host, cfg.Port)
	client := dispatcher.New(baseURL)

	modified := false
	if !flags.noValidation {
		remote, err := fetchRemoteManifest(ctx, client)
		if err != nil {
			return 1, fmt.Errorf("unable to verify remote integrity manifest (network error): %w", err)
		}
		switch integrity.VerifyRemote(manifest, remote) {
		case integrity.RemoteTampered:
			modified = true
			logger.Warn("worker files differ from the published manifest")
		case integrity.RemoteUnknown:
			return 1, fmt.Errorf("unable to verify remote integrity manifest (network error)")
		case integrity.RemoteOK:
		}
	}

	if err := toolchain.Verify(ctx); err != nil {
		return 1, fmt.Errorf("toolchain check failed: %w", err)
	}
	if len(compilers) == 0 {
		return 1, fmt.Errorf("no usable compiler found (need g++ >= %d.%d or clang++ >= %d.%d)",
			toolchain.MinGCCMajor, toolchain.MinGCCMinor, toolchain.MinClangMajor, toolchain.MinClangMinor)
	}

	compiler := cfg.Compiler
	if compiler == "" {
		for name := range compilers {
			compiler = name
			break
		}
	}
	compilerInfo, ok := compilers[compiler]
	if !ok {
		return 1, fmt.Errorf("compiler %q is not available on this machine", compiler)
	}

	if err := matchrunner.EnsureRunner(ctx, installDir, compiler, concurrency, cfg.GlobalCache, true, logger); err != nil {
		return 1, fmt.Errorf("preparing match runner: %w", err)
	}

	info := dispatcher.WorkerInfo{
		UniqueKey:       uniqueKey,
		Username:        cfg.Username,
		Version:         WorkerVersion,
		Uname:           runtime.GOOS,
		Architecture:    runtime.GOARCH,
		Concurrency:     concurrency,
		MaxMemory:       maxMemory,
		MinThreads:      cfg.MinThreads,
		Compiler:        compiler,
		CompilerVersion: [3]int{compilerInfo.Major, compilerInfo.Minor, compilerInfo.Patchlevel},
		Modified:        modified,
		ARCH:            "?",
		RuntimeVersion:  runtimeTriple(),
	}

	state := engine.NewSharedState()
	signalCtx, receivedSignal, stopSignals := engine.WatchSignals(ctx, state, logger)
	defer stopSignals()

	hbDone := make(chan struct{})
	go func() {
		engine.RunHeartbeat(signalCtx, client, state, info, cfg.Password, logger)
		close(hbDone)
	}()

	e := &engine.Engine{
		Client:         client,
		State:          state,
		Lock:           l,
		Updater:        notImplementedUpdater{},
		Logger:         logger,
		InstallDir:     installDir,
		GlobalCache:    cfg.GlobalCache,
		Password:       cfg.Password,
		Version:        WorkerVersion,
		Fleet:          cfg.Fleet,
		Compiler:       compiler,
		Concurrency:    concurrency,
		ReceivedSignal: receivedSignal,
		Info:           info,
	}

	exitCode := e.Run(signalCtx)

	select {
	case <-hbDone:
	case <-time.After(engine.ThreadJoinTimeout):
		logger.Warn("heartbeat loop did not stop in time, exiting anyway")
	}

	if sig := receivedSignal(); sig != nil {
		logger.Info("worker stopped by signal", zap.String("signal", sig.String()))
	}
	return exitCode, nil
}

// runtimeTriple reports the Go runtime version in the major/minor/patch slot
// the wire schema reserves for the runtime (the field name itself is kept
// for compatibility with the server).
func runtimeTriple() [3]int {
	var major, minor int
	if _, err := fmt.Sscanf(runtime.Version(), "go%d.%d", &major, &minor); err != nil {
		return [3]int{0, 0, 0}
	}
	return [3]int{major, minor, 0}
}

// notImplementedUpdater is the default Updater: self-update is treated as
// a separate module, out of scope here. Any caller wiring in a real
// updater replaces this with one that releases the lock, fetches and
// installs the new version, and re-execs.
type notImplementedUpdater struct{}

func (notImplementedUpdater) Update(ctx context.Context, requiredVersion int) error {
	return fmt.Errorf("self-update to version %d is not implemented in this build", requiredVersion)
}

func fetchRemoteManifest(ctx context.Context, client *dispatcher.Client) (integrity.Manifest, error) {
	reqCtx, cancel := context.WithTimeout(ctx, dispatcher.Timeout)
	defer cancel()
	raw, err := client.FetchIntegrityManifest(reqCtx)
	if err != nil {
		return nil, err
	}
	return integrity.Manifest(raw), nil
}

func mustResolveMemory(cfg *config.Config, host identity.HostInfo) int {
	v, err := identity.ResolveMaxMemory(cfg.MaxMemoryExpr, host.TotalMemMiB)
	if err != nil {
		return host.TotalMemMiB
	}
	return v
}

func applyOverrides(cfg *config.Config, flags *cliFlags, posArgs []string) {
	if len(posArgs) == 2 {
		cfg.Username, cfg.Password = posArgs[0], posArgs[1]
	}
	if flags.protocol != "" {
		cfg.Protocol = flags.protocol
	}
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	cfg.Port = config.RewritePort(cfg.Protocol, cfg.Port)
	if flags.concurrency != "" {
		cfg.ConcurrencyExpr = flags.concurrency
	}
	if flags.maxMemory != "" {
		cfg.MaxMemoryExpr = flags.maxMemory
	}
	if flags.uuidPrefix != "" {
		cfg.UUIDPrefix = flags.uuidPrefix
	}
	if flags.minThreads != 0 {
		cfg.MinThreads = flags.minThreads
	}
	if flags.fleet {
		cfg.Fleet = true
	}
	if flags.globalCache != "" {
		cfg.GlobalCache = flags.globalCache
	}
	if flags.compiler != "" {
		cfg.Compiler = flags.compiler
	}
}

func defaultInstallDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".fishtest-worker")
	}
	return ".fishtest-worker"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
