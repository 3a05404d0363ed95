// Package identity derives the stable identifiers and host resource facts
// the worker reports to the server: the machine fingerprint (hw_id), the
// per-connection unique_key, and the probed core count / memory ceiling used
// to resolve the concurrency and max_memory configuration expressions.
package identity

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fishtest-worker/worker/internal/expr"
)

// Per-instance memory budget for one running test instance, in MiB. These
// mirror the server-side constants so a worker never advertises more
// concurrency than it can actually back with memory.
const (
	TTMemoryMiB      = 16
	ProcessMemoryMiB = 10
	NetMemoryMiB     = 138
	ThreadMemoryMiB  = 16
	RunnerMemoryMiB  = 60
)

// perInstanceMemoryMiB is the memory one concurrent test slot costs.
const perInstanceMemoryMiB = 2 * (TTMemoryMiB + ProcessMemoryMiB + NetMemoryMiB + ThreadMemoryMiB)

// HostInfo is a snapshot of the machine's available resources.
type HostInfo struct {
	LogicalCPUs int
	TotalMemMiB int
}

// ProbeHost reads logical CPU count and total physical memory via gopsutil.
func ProbeHost() (HostInfo, error) {
	cpus, err := cpu.Counts(true)
	if err != nil {
		return HostInfo{}, fmt.Errorf("identity: probing cpu count: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostInfo{}, fmt.Errorf("identity: probing memory: %w", err)
	}
	return HostInfo{
		LogicalCPUs: cpus,
		TotalMemMiB: int(vm.Total / (1024 * 1024)),
	}, nil
}

// NewSeed generates a fresh 32-bit hw_seed, persisted to the config's
// private section on first run and reused on every subsequent start.
func NewSeed() uint32 {
	return rand.Uint32()
}

// ComputeHWID derives the worker's machine fingerprint from a persisted
// seed, the platform machine id (best effort; missing on unsupported
// platforms), and the worker's install directory path.
func ComputeHWID(seed uint32, installPath string) (string, error) {
	mid, err := machineID()
	if err != nil {
		// If the OS-specific lookup fails, fingerprinting continues with
		// an empty machine id rather than aborting startup.
		mid = ""
	}
	return HWID(seed, mid, installPath), nil
}

// UniqueKey builds the per-connection unique_key reported with every API
// call: an 8-character prefix (normally the hw_id, or a user override) plus
// the tail of a random UUID, so that two workers sharing a hw_id because
// they run in identical containers still report distinct keys.
func UniqueKey(prefix string) string {
	full := uuid.New().String()
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	for len(prefix) < 8 {
		prefix += "0"
	}
	return prefix + full[8:]
}

// ValidateConcurrency evaluates concurrencyExpr against logicalCPUs (bound
// to MAX) and enforces the textual-MAX rule: the accepted concurrency is v
// if the expression spells out MAX explicitly and v <= MAX; otherwise it is
// silently reduced to min(v, MAX-1), so a naked constant can never claim
// every core without saying so. Only v <= 0 or v > MAX is an error.
func ValidateConcurrency(concurrencyExpr string, logicalCPUs int) (int, error) {
	p := expr.Parser{Max: float64(logicalCPUs)}
	v, err := p.EvalRounded(concurrencyExpr)
	if err != nil {
		return 0, fmt.Errorf("identity: evaluating concurrency expression %q: %w", concurrencyExpr, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("identity: concurrency must be at least 1, got %d", v)
	}
	if v > logicalCPUs {
		return 0, fmt.Errorf("identity: concurrency %d exceeds the available %d cores", v, logicalCPUs)
	}
	if !expr.ContainsMax(concurrencyExpr) && v >= logicalCPUs {
		v = logicalCPUs - 1
	}
	return v, nil
}

// ReduceForMemory clamps an already-validated concurrency down to whatever
// maxMemoryMiB can actually back, since STC-sized test instances need real
// memory regardless of how many idle cores are available. It returns the
// resolved concurrency and whether a reduction from requested occurred.
func ReduceForMemory(requested, maxMemoryMiB int) (resolved int, reduced bool, err error) {
	maxConcurrency := (maxMemoryMiB - RunnerMemoryMiB) / perInstanceMemoryMiB
	if maxConcurrency < 1 {
		return 0, false, fmt.Errorf(
			"identity: need at least %d MiB of max_memory to run the worker, have %d",
			perInstanceMemoryMiB+RunnerMemoryMiB, maxMemoryMiB,
		)
	}
	if requested > maxConcurrency {
		return maxConcurrency, true, nil
	}
	return requested, false, nil
}

// ResolveConcurrency is the full pipeline: validate the expression against
// the core count, then reduce for available memory. Most callers want this;
// ValidateConcurrency and ReduceForMemory exist separately so each rule can
// be tested against the core-count limit and the memory clamp in isolation.
func ResolveConcurrency(concurrencyExpr string, logicalCPUs, maxMemoryMiB int) (resolved int, reduced bool, err error) {
	requested, err := ValidateConcurrency(concurrencyExpr, logicalCPUs)
	if err != nil {
		return 0, false, err
	}
	return ReduceForMemory(requested, maxMemoryMiB)
}

// ResolveMaxMemory evaluates the user's max_memory expression against the
// probed total system memory, clamping the result to [0, totalMemMiB]. An
// expression is allowed to be nonsensical (negative, or bigger than
// physically present) and is silently clamped rather than rejected.
func ResolveMaxMemory(maxMemoryExpr string, totalMemMiB int) (int, error) {
	p := expr.Parser{Max: float64(totalMemMiB)}
	v, err := p.Eval(maxMemoryExpr)
	if err != nil {
		return 0, fmt.Errorf("identity: evaluating max_memory expression %q: %w", maxMemoryExpr, err)
	}
	if v > float64(totalMemMiB) {
		v = float64(totalMemMiB)
	}
	if v < 0 {
		v = 0
	}
	return int(math.Round(v)), nil
}
