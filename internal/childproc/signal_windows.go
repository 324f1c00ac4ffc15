//go:build windows

package childproc

import "os"

// interruptSignal returns the signal Stop sends to ask a child to exit
// cleanly before escalating to Kill. Windows processes don't support
// SIGTERM; os.Kill is the best available approximation.
func interruptSignal() os.Signal {
	return os.Kill
}
