//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// platformHandle holds the Windows job object the child was assigned to.
// Every process later spawned by the child (e.g. a compiler driver
// launching cc1, or a match runner launching engine binaries) is killed
// along with it when the job is terminated, since Windows has no process
// group concept equivalent to POSIX setpgid/killpg.
type platformHandle struct {
	job windows.Handle
}

func configurePlatform(cmd *exec.Cmd) {
	// CREATE_SUSPENDED would be needed to assign the job before the child
	// can spawn grandchildren; exec.Cmd doesn't expose that flag directly,
	// so callers accept a narrow race window between process creation and
	// job assignment, same as most Windows job-object wrappers.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func startPlatformHandle(cmd *exec.Cmd) platformHandle {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return platformHandle{}
	}
	if cmd.Process != nil {
		h, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(cmd.Process.Pid))
		if err == nil {
			_ = windows.AssignProcessToJobObject(job, h)
			_ = windows.CloseHandle(h)
		}
	}
	return platformHandle{job: job}
}

func killPlatform(cmd *exec.Cmd, handle platformHandle) {
	if handle.job != 0 {
		_ = windows.TerminateJobObject(handle.job, 1)
		_ = windows.CloseHandle(handle.job)
		return
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
