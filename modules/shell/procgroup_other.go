//go:build !unix

package shell

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
