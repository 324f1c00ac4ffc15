//go:build !windows

package childproc

import (
	"os"
	"syscall"
)

// interruptSignal returns the signal Stop sends to ask a child to exit
// cleanly before escalating to Kill.
func interruptSignal() os.Signal {
	return syscall.SIGTERM
}
