// Package toolchain probes the local machine for the compiler and build
// tools the match runner needs before it ever tries a build, so a missing
// toolchain is reported as a clear startup failure instead of a confusing
// build error three steps later.
package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Minimum usable compiler versions for building the match runner, mirroring
// the server-side requirement.
const (
	MinGCCMajor   = 9
	MinGCCMinor   = 3
	MinClangMajor = 10
	MinClangMinor = 0
)

// CompilerInfo describes a usable compiler found on PATH.
type CompilerInfo struct {
	Name                    string // "g++" or "clang++"
	Major, Minor, Patchlevel int
}

func (c CompilerInfo) String() string {
	return fmt.Sprintf("%s %d.%d.%d", c.Name, c.Major, c.Minor, c.Patchlevel)
}

// DetectCompilers probes for g++ and clang++ by asking each to dump its
// predefined macros (-E -dM -) and parsing out the version macros. Either,
// both, or neither may be found; both are returned only when they meet the
// minimum version and actually look like themselves (g++ detection bails
// out if the binary is actually clang posing as g++, a known distro quirk).
func DetectCompilers(ctx context.Context) map[string]CompilerInfo {
	found := map[string]CompilerInfo{}
	if info, ok := gccVersion(ctx); ok {
		found["g++"] = info
	}
	if info, ok := clangVersion(ctx); ok {
		found["clang++"] = info
	}
	return found
}

func gccVersion(ctx context.Context) (CompilerInfo, bool) {
	macros, err := dumpMacros(ctx, "g++")
	if err != nil {
		return CompilerInfo{}, false
	}
	if _, ok := macros["__clang_major__"]; ok {
		return CompilerInfo{}, false
	}
	major, err1 := strconv.Atoi(macros["__GNUC__"])
	minor, err2 := strconv.Atoi(macros["__GNUC_MINOR__"])
	patch, err3 := strconv.Atoi(macros["__GNUC_PATCHLEVEL__"])
	if err1 != nil || err2 != nil || err3 != nil {
		return CompilerInfo{}, false
	}
	if major < MinGCCMajor || (major == MinGCCMajor && minor < MinGCCMinor) {
		return CompilerInfo{}, false
	}
	return CompilerInfo{Name: "g++", Major: major, Minor: minor, Patchlevel: patch}, true
}

func clangVersion(ctx context.Context) (CompilerInfo, bool) {
	macros, err := dumpMacros(ctx, "clang++")
	if err != nil {
		return CompilerInfo{}, false
	}
	major, err1 := strconv.Atoi(macros["__clang_major__"])
	minor, err2 := strconv.Atoi(macros["__clang_minor__"])
	patch, err3 := strconv.Atoi(macros["__clang_patchlevel__"])
	if err1 != nil || err2 != nil || err3 != nil {
		return CompilerInfo{}, false
	}
	if major < MinClangMajor || (major == MinClangMajor && minor < MinClangMinor) {
		return CompilerInfo{}, false
	}

	// A common misconfiguration: clang++ present but its matching
	// llvm-profdata is missing, which breaks PGO builds later.
	profArgs := []string{"llvm-profdata", "--help"}
	if runtime.GOOS == "darwin" {
		profArgs = append([]string{"xcrun"}, profArgs...)
	}
	//nolint:gosec // fixed argv, not user input
	if err := exec.CommandContext(ctx, profArgs[0], profArgs[1:]...).Run(); err != nil {
		return CompilerInfo{}, false
	}

	return CompilerInfo{Name: "clang++", Major: major, Minor: minor, Patchlevel: patch}, true
}

// dumpMacros runs `<compiler> -E -dM -` against an empty input and returns
// the predefined macro table as name -> value.
func dumpMacros(ctx context.Context, compilerBin string) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, compilerBin, "-E", "-dM", "-")
	cmd.Stdin = strings.NewReader("")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("toolchain: running %s: %w", compilerBin, err)
	}

	macros := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		// Lines look like: #define __GNUC__ 13
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != "#define" {
			continue
		}
		macros[fields[1]] = fields[2]
	}
	return macros, nil
}

// Missing reports the required build tools not found on PATH: strip and
// make. On macOS, strip has no reliable version flag, so presence is
// checked with `which` instead of `strip -V`.
func Missing(ctx context.Context) []string {
	checks := map[string][]string{
		"strip": {"strip", "-V"},
		"make":  {"make", "-v"},
	}
	if runtime.GOOS == "darwin" {
		checks["strip"] = []string{"which", "strip"}
	}

	var missing []string
	for name, argv := range checks {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		//nolint:gosec // argv is one of the two fixed slices above
		err := exec.CommandContext(runCtx, argv[0], argv[1:]...).Run()
		cancel()
		if err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Verify runs Missing and turns a non-empty result into an error describing
// exactly which tools need to be installed.
func Verify(ctx context.Context) error {
	missing := Missing(ctx)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("toolchain: missing required tools: %s", strings.Join(missing, ", "))
}
