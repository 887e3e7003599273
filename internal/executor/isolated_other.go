//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func killedByLimit(*os.ProcessState) (string, bool) { return "", false }

func maxRSS(*os.ProcessState) int64 { return 0 }
