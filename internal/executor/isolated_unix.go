//go:build unix

package executor

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the worker in its own process group and makes
// context cancellation kill the whole group, so grandchildren spawned by the
// stage die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func killedByLimit(state *os.ProcessState) (string, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	switch sig := ws.Signal(); sig {
	case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ:
		return sig.String(), true
	}
	return "", false
}

func maxRSS(state *os.ProcessState) int64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		return int64(ru.Maxrss)
	}
	return 0
}
