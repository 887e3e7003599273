//go:build unix

package resources

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyRlimits installs hard address-space and CPU-time limits on the calling
// process. It is meant to run inside an isolated worker before the stage.
// Exceeding the CPU soft limit raises SIGXCPU; the hard limit one second
// later is enforced with SIGKILL.
func ApplyRlimits(l Limits) error {
	if l.MemoryMB > 0 {
		if err := lower(unix.RLIMIT_AS, uint64(l.MemoryMB)<<20, uint64(l.MemoryMB)<<20); err != nil {
			return fmt.Errorf("setting RLIMIT_AS: %w", err)
		}
	}
	if l.CPUSeconds > 0 {
		if err := lower(unix.RLIMIT_CPU, uint64(l.CPUSeconds), uint64(l.CPUSeconds)+1); err != nil {
			return fmt.Errorf("setting RLIMIT_CPU: %w", err)
		}
	}
	return nil
}

func lower(resource int, soft, hard uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return err
	}
	if cur.Max != unix.RLIM_INFINITY && hard > cur.Max {
		hard = cur.Max
	}
	if soft > hard {
		soft = hard
	}
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: soft, Max: hard})
}
