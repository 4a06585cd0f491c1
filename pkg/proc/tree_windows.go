//go:build windows

package proc

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// Isolate starts cmd in a new process group.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// KillTree terminates cmd and its descendants with taskkill /T, falling
// back to killing the root process alone.
func KillTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	tk := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid))
	tk.WaitDelay = time.Second
	if err := tk.Run(); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
