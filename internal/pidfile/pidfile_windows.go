//go:build windows

package pidfile

import "os"

// isProcessRunning reports whether pid can be opened. Windows has no signal 0.
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid pid"
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}
	_ = process.Release()
	return true, ""
}
