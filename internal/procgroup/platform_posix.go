//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// platformHandle is unused on POSIX; the process group ID is read
// directly off cmd.Process.Pid (setpgid makes the leader's pid the pgid).
type platformHandle struct{}

func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func startPlatformHandle(cmd *exec.Cmd) platformHandle {
	return platformHandle{}
}

func killPlatform(cmd *exec.Cmd, _ platformHandle) {
	if cmd.Process == nil {
		return
	}
	// Negative pid targets the whole process group created by Setpgid.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
