//go:build linux || darwin

// Package unix provides platform-specific process control helpers.
package unix

import (
	"syscall"

	xunix "golang.org/x/sys/unix"
)

// Umask sets the process file mode creation mask and returns the previous one.
func Umask(mask int) int {
	return xunix.Umask(mask)
}

// Kill sends sig to the process with the given pid.
func Kill(pid int, sig syscall.Signal) error {
	return xunix.Kill(pid, sig)
}

// SignalNum resolves a signal name of the form "SIGTERM" to its number.
// It returns zero for unknown names.
func SignalNum(name string) syscall.Signal {
	return xunix.SignalNum(name)
}
