//go:build !linux && !darwin

package unix

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("unix: not supported on this platform")

// Umask is a no-op on unsupported platforms.
func Umask(_ int) int { return 0 }

// Kill always fails on unsupported platforms.
func Kill(_ int, _ syscall.Signal) error { return errUnsupported }

// SignalNum always returns zero on unsupported platforms.
func SignalNum(_ string) syscall.Signal { return 0 }
