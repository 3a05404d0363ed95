// Package matchrunner is the harness around the fastchess binary: it builds
// the pinned commit from source (cached by SHA, verified by its
// --version output), and launches it synchronously to run one task's games.
// The match runner's own search/protocol logic is entirely opaque here;
// this package only owns "is the right binary installed" and "run it,
// stream its progress, collect its result".
package matchrunner

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fishtest-worker/worker/internal/procgroup"
)

// FastchessSHA is the pinned commit of Disservin/fastchess every worker
// must build and run.
const FastchessSHA = "5e4b66b57ef790d68119f4bfdda4546bbab31d08"

var versionPattern = regexp.MustCompile(`(?m)fastchess alpha [0-9]*\.[0-9]*\.[0-9]* [0-9]*-([0-9a-f-]*)$`)

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "fastchess.exe"
	}
	return "fastchess"
}

// BinaryPath returns the path where the built match runner lives under
// installDir.
func BinaryPath(installDir string) string {
	return filepath.Join(installDir, "testing", binaryName())
}

// VerifyBinary runs path --version and confirms its reported short SHA is a
// prefix of FastchessSHA.
func VerifyBinary(ctx context.Context, path string) (bool, error) {
	var out strings.Builder
	err := procgroup.Run(ctx, "", func(line string) error {
		out.WriteString(line)
		out.WriteString("\n")
		return nil
	}, path, "--version")
	if err != nil {
		return false, nil //nolint:nilerr // a failing --version means "not usable", not a caller-facing error
	}
	m := versionPattern.FindStringSubmatch(out.String())
	if m == nil || len(m[1]) < 7 {
		return false, nil
	}
	shortSHA := m[1]
	return strings.HasPrefix(FastchessSHA, shortSHA), nil
}

// EnsureRunner makes sure a verified match runner binary is installed: if
// one is already in place, it's reused; otherwise the pinned commit is
// downloaded (honouring cacheDir), extracted, built with the chosen
// compiler and parallelism, optionally self-tested, installed atomically,
// and reverified.
func EnsureRunner(ctx context.Context, installDir, compiler string, concurrency int, cacheDir string, runTests bool, logger *zap.Logger) error {
	log := logger.Named("matchrunner")
	path := BinaryPath(installDir)

	if _, err := os.Stat(path); err == nil {
		if ok, _ := VerifyBinary(ctx, path); ok {
			log.Info("match runner already installed and verified", zap.String("path", path))
			return nil
		}
		log.Info("installed match runner failed verification, rebuilding", zap.String("path", path))
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("matchrunner: removing stale binary %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("matchrunner: creating testing dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp(installDir, "fastchess-build-*")
	if err != nil {
		return fmt.Errorf("matchrunner: creating build temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	buildDir, err := downloadAndExtract(ctx, tmpDir, cacheDir, log)
	if err != nil {
		return fmt.Errorf("matchrunner: downloading/extracting fastchess: %w", err)
	}

	if err := build(ctx, buildDir, compiler, concurrency, runTests, log); err != nil {
		return fmt.Errorf("matchrunner: building fastchess: %w", err)
	}

	builtBinary := filepath.Join(buildDir, binaryName())
	if err := os.Rename(builtBinary, path); err != nil {
		return fmt.Errorf("matchrunner: installing built binary: %w", err)
	}

	ok, err := VerifyBinary(ctx, path)
	if err != nil {
		return fmt.Errorf("matchrunner: reverifying installed binary: %w", err)
	}
	if !ok {
		return fmt.Errorf("matchrunner: freshly built binary at %s failed verification", path)
	}
	log.Info("match runner built and verified", zap.String("path", path))
	return nil
}

// cacheFileName is the zip's name inside cacheDir, keyed by commit so a
// stale cache entry can never satisfy a newer pin.
func cacheFileName() string { return FastchessSHA + ".zip" }

func downloadAndExtract(ctx context.Context, tmpDir, cacheDir string, log *zap.Logger) (buildDir string, err error) {
	var blob []byte
	cachePath := ""
	if cacheDir != "" {
		cachePath = filepath.Join(cacheDir, cacheFileName())
		if b, err := os.ReadFile(cachePath); err == nil {
			log.Info("using cached fastchess archive", zap.String("path", cachePath))
			blob = b
		}
	}

	shouldCache := false
	if blob == nil {
		url := "https://api.github.com/repos/Disservin/fastchess/zipball/" + FastchessSHA
		log.Info("downloading fastchess", zap.String("url", url))
		resp, err := resty.New().R().SetContext(ctx).Get(url)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", url, err)
		}
		if resp.IsError() {
			return "", fmt.Errorf("downloading %s: HTTP %d", url, resp.StatusCode())
		}
		blob = resp.Body()
		shouldCache = true
	}

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", fmt.Errorf("reading zip archive: %w", err)
	}

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		dest := filepath.Join(tmpDir, f.Name)
		if !strings.HasPrefix(dest, filepath.Clean(tmpDir)+string(os.PathSeparator)) {
			return "", fmt.Errorf("zip entry %q escapes the extraction directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", err
		}
		if err := extractOne(f, dest); err != nil {
			return "", err
		}
	}

	if shouldCache && cachePath != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			log.Warn("failed to create global cache dir, skipping cache write", zap.Error(err))
		} else if err := os.WriteFile(cachePath, blob, 0644); err != nil {
			log.Warn("failed to write fastchess archive to cache", zap.Error(err))
		}
	}

	return filepath.Join(tmpDir, commonPrefix(names)), nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// commonPrefix mirrors os.path.commonprefix on the zip entry names: a
// GitHub zipball always wraps everything in a single top-level directory
// named "<owner>-<repo>-<shortsha>/".
func commonPrefix(names []string) string {
	if len(names) == 0 {
		return ""
	}
	shortest := names[0]
	for _, n := range names[1:] {
		if len(n) < len(shortest) {
			shortest = n
		}
	}
	for i := 0; i < len(shortest); i++ {
		for _, n := range names {
			if n[i] != shortest[i] {
				return shortest[:i]
			}
		}
	}
	return shortest
}

func build(ctx context.Context, buildDir, compiler string, concurrency int, runTests bool, log *zap.Logger) error {
	gitFlags := fmt.Sprintf("GIT_SHA=%s GIT_DATE=01010101", FastchessSHA[:8])

	run := func(args ...string) error {
		log.Info("running build command", zap.Strings("args", args))
		return procgroup.Run(ctx, buildDir, func(line string) error {
			log.Debug(line)
			return nil
		}, args[0], args[1:]...)
	}

	if runTests {
		testCmd := fmt.Sprintf("make -j%d tests CXX=%s %s", concurrency, compiler, gitFlags)
		if err := run("sh", "-c", testCmd); err != nil {
			return fmt.Errorf("building test target: %w", err)
		}
		testBinary := filepath.Join(buildDir, "fastchess-tests"+exeSuffix())
		if err := run(testBinary); err != nil {
			return fmt.Errorf("running self-test binary: %w", err)
		}
		if err := run("make", "clean"); err != nil {
			return fmt.Errorf("running make clean: %w", err)
		}
	}

	mainCmd := fmt.Sprintf("make -j%d CXX=%s %s", concurrency, compiler, gitFlags)
	if err := run("sh", "-c", mainCmd); err != nil {
		return fmt.Errorf("building fastchess: %w", err)
	}
	return nil
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// MatchParams carries the dispatcher-supplied arguments for a single
// match, mirroring the task.args fields the dispatcher sends.
type MatchParams struct {
	RunID       string
	TaskID      int
	TC          string
	Threads     int
	Concurrency int
	NumGames    int
	NewTag      string
	BaseTag     string
}

// ProgressEvent is one periodically-reported line of progress from the
// running match: a completed-game counter emitted as a JSON line on
// stdout.
type ProgressEvent struct {
	GamesDone  int `json:"games_done"`
	GamesTotal int `json:"games_total"`
}

// ProgressFunc receives each ProgressEvent as the match runs. A non-nil
// return cancels the match.
type ProgressFunc func(ProgressEvent) error

// Result is what the opaque match runner hands back once it exits: the PGN
// file it wrote and the CRC32 it computed over that file's bytes.
type Result struct {
	PGNPath string
	CRC32   uint32
}

// finalLine is the last line fastchess is expected to emit, carrying the
// CRC32 of the PGN file it just finished writing.
type finalLine struct {
	PGNCRC32 string `json:"pgn_crc32"`
}

// Run invokes the installed match runner synchronously for one task. It
// streams progress lines from stdout, forwarding parseable ones to
// onProgress, and returns once the process exits. Cancellation is
// cooperative: cancelling ctx kills the runner's entire process group via
// internal/procgroup.
func Run(ctx context.Context, installDir string, params MatchParams, onProgress ProgressFunc) (Result, error) {
	binary := BinaryPath(installDir)
	pgnPath := filepath.Join(installDir, "testing", fmt.Sprintf("%s-%d.pgn", params.RunID, params.TaskID))

	args := []string{
		"--tc", params.TC,
		"--threads", fmt.Sprintf("%d", params.Threads),
		"--concurrency", fmt.Sprintf("%d", params.Concurrency),
		"--games", fmt.Sprintf("%d", params.NumGames),
		"--new-tag", params.NewTag,
		"--base-tag", params.BaseTag,
		"--pgnout", pgnPath,
	}

	var result Result
	result.PGNPath = pgnPath

	err := procgroup.Run(ctx, installDir, func(line string) error {
		// The runner's stdout mixes free-form text with the JSON lines this
		// harness cares about; dispatch on which key is present, since a
		// progress struct would happily (and wrongly) absorb the final CRC
		// line's object too.
		var fields map[string]json.RawMessage
		if json.Unmarshal([]byte(line), &fields) != nil {
			return nil
		}
		if _, ok := fields["pgn_crc32"]; ok {
			var fin finalLine
			if json.Unmarshal([]byte(line), &fin) == nil {
				var v uint32
				if _, scanErr := fmt.Sscanf(fin.PGNCRC32, "0x%x", &v); scanErr == nil {
					result.CRC32 = v
				}
			}
			return nil
		}
		if _, ok := fields["games_done"]; ok && onProgress != nil {
			var ev ProgressEvent
			if json.Unmarshal([]byte(line), &ev) == nil {
				return onProgress(ev)
			}
		}
		return nil
	}, binary, args...)
	if err != nil {
		return result, fmt.Errorf("matchrunner: running match: %w", err)
	}
	return result, nil
}
