package supervise

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"

	iunix "github.com/axondata/go-supervise/internal/unix"
)

// ParseSignal resolves a signal name such as "TERM" or "SIGUSR1" to its
// number. The "SIG" prefix is optional and case is ignored.
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := iunix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return sig, nil
}

// routeSignals translates process signals into engine operations:
//
//   - INT broadcasts INT to every live child; when none is alive the
//     supervisor exits instead, which gives the documented double-Ctrl-C
//     behavior (the first INT kills the children, the second one arrives
//     while they are transiently dead).
//   - HUP broadcasts HUP as a reload fan-out.
//   - TERM broadcasts TERM and exits without waiting for the children.
func (e *Engine) routeSignals(ch <-chan os.Signal) {
	for {
		select {
		case sig := <-ch:
			e.handleSignal(sig)
		case <-e.done:
			return
		}
	}
}

// handleSignal posts the engine operation for one received process signal
func (e *Engine) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM:
		e.post(func() {
			e.broadcast(syscall.SIGTERM)
			e.beginShutdown()
		})
	case syscall.SIGINT:
		e.post(func() {
			if e.broadcast(syscall.SIGINT) == 0 {
				e.beginShutdown()
			}
		})
	case syscall.SIGHUP:
		e.post(func() {
			e.broadcast(syscall.SIGHUP)
		})
	}
}

// broadcast sends sig to every child with a live process and returns the
// number of processes signaled. Send failures are aggregated and logged;
// they never affect child state.
func (e *Engine) broadcast(sig syscall.Signal) int {
	n := 0
	merr := &MultiError{}
	for _, name := range e.names {
		c := e.children[name]
		if c.pid == 0 {
			continue
		}
		if err := e.kill(c.pid, sig); err != nil {
			merr.Add(&OpError{Op: OpSignal, Child: c.name, Err: err})
			continue
		}
		n++
	}
	if err := merr.Err(); err != nil {
		e.log.Debug("broadcast incomplete",
			zap.String("signal", sig.String()),
			zap.Int("failed", len(merr.Errors)),
			zap.Error(err))
	}
	e.log.Debug("broadcast",
		zap.String("signal", sig.String()),
		zap.Int("signaled", n))
	return n
}
