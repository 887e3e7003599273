//go:build unix

package executor

import (
	"os"
	"os/signal"
	"syscall"
)

// watchLimitSignals reports SIGXCPU through onLimit and exits with the
// resource-limit status. The Go runtime ignores SIGXCPU otherwise.
func watchLimitSignals(onLimit func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGXCPU)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			onLimit()
			os.Exit(137)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
