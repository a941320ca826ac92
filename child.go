package supervise

import (
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Child is the supervisor state for one configured command.
//
// All methods must be called on the engine loop; the engine is the single
// owner of every Child. The only concurrency here is the exit watcher
// goroutine and restart timers, and both re-enter through post, so every
// mutation is serialized.
type Child struct {
	name    string
	cfg     ChildConfig
	log     *zap.Logger
	clock   Clock
	spawner Spawner

	// post enqueues a function onto the engine loop; it drops the function
	// once the engine has shut down
	post func(func())
	// kill delivers a signal to a pid; swapped out in tests
	kill func(pid int, sig syscall.Signal) error

	// gen increments whenever the child's identity moves on (new launch,
	// operator stop). Exit watchers and restart timers capture the value
	// at scheduling time and no-op on a mismatch, so a pending restart
	// needs no stored timer handle to be cancelled.
	gen uint64

	pid        int
	startTS    time.Time
	startCount int
	lastStatus int
	broken     bool
	restarting bool
}

func newChild(name string, cfg ChildConfig, log *zap.Logger, clock Clock, spawner Spawner, post func(func()), kill func(int, syscall.Signal) error) *Child {
	return &Child{
		name:    name,
		cfg:     cfg,
		log:     log.Named(name),
		clock:   clock,
		spawner: spawner,
		post:    post,
		kill:    kill,
	}
}

// Name returns the child's configured name
func (c *Child) Name() string { return c.name }

// start launches the child. It fails if a process is already live.
// A spawn failure counts toward the retries cap and schedules a retry.
func (c *Child) start() (int, error) {
	if c.pid != 0 {
		return 0, &OpError{Op: OpStart, Child: c.name, Err: ErrAlreadyRunning}
	}

	c.broken = false
	c.restarting = false
	c.gen++
	gen := c.gen
	c.startCount++

	proc, err := c.spawner.Spawn(c.name, &c.cfg)
	if err != nil {
		c.log.Warn("spawn failed",
			zap.Int("attempt", c.startCount),
			zap.Error(err))
		c.scheduleRestart(gen)
		return 0, &OpError{Op: OpStart, Child: c.name, Err: err}
	}

	c.pid = proc.PID
	c.startTS = c.clock.Now()
	c.log.Info("started",
		zap.Int("pid", c.pid),
		zap.Int("attempt", c.startCount))

	done := proc.Done
	go func() {
		st := <-done
		c.post(func() { c.onExit(gen, st) })
	}()

	return 1, nil
}

// stop sends the stop signal and parks the child. The eventual exit of the
// signaled process is ignored: operator intent overrides automatic restart.
// Called on a child with no live process it cancels any pending restart and
// reports failure.
func (c *Child) stop() (int, error) {
	if c.pid == 0 {
		c.gen++
		c.restarting = false
		return 0, &OpError{Op: OpStop, Child: c.name, Err: ErrNotRunning}
	}
	if err := c.kill(c.pid, c.cfg.stopSig); err != nil {
		c.log.Debug("stop signal failed", zap.Int("pid", c.pid), zap.Error(err))
		return 0, &OpError{Op: OpStop, Child: c.name, Err: err}
	}

	c.log.Info("stopped", zap.Int("pid", c.pid))
	c.gen++
	c.pid = 0
	c.startCount = 0
	c.restarting = false
	return 1, nil
}

// restart sends the stop signal without touching state; the exit callback
// then schedules the respawn as for any other death.
func (c *Child) restart() (int, error) {
	if c.pid == 0 {
		return 0, &OpError{Op: OpRestart, Child: c.name, Err: ErrNotRunning}
	}
	if err := c.kill(c.pid, c.cfg.stopSig); err != nil {
		c.log.Debug("restart signal failed", zap.Int("pid", c.pid), zap.Error(err))
		return 0, &OpError{Op: OpRestart, Child: c.name, Err: err}
	}
	c.restarting = true
	return 1, nil
}

// reload sends the reload signal to the live process
func (c *Child) reload() (int, error) {
	if c.pid == 0 {
		return 0, &OpError{Op: OpReload, Child: c.name, Err: ErrNotRunning}
	}
	if err := c.kill(c.pid, c.cfg.reloadSig); err != nil {
		c.log.Debug("reload signal failed", zap.Int("pid", c.pid), zap.Error(err))
		return 0, &OpError{Op: OpReload, Child: c.name, Err: err}
	}
	return 1, nil
}

// signal sends an arbitrary signal to the live process
func (c *Child) signal(sig syscall.Signal) (int, error) {
	if c.pid == 0 {
		return 0, &OpError{Op: OpSignal, Child: c.name, Err: ErrNotRunning}
	}
	if err := c.kill(c.pid, sig); err != nil {
		c.log.Debug("signal failed",
			zap.Int("pid", c.pid),
			zap.String("signal", sig.String()),
			zap.Error(err))
		return 0, &OpError{Op: OpSignal, Child: c.name, Err: err}
	}
	return 1, nil
}

// onExit handles a watched process termination. A stale generation means
// the operator already stopped or restarted the child and this exit is of
// no interest.
func (c *Child) onExit(gen uint64, st ExitStatus) {
	if gen != c.gen || c.pid == 0 {
		return
	}

	pid := c.pid
	c.pid = 0
	c.lastStatus = st.Code
	c.restarting = false

	// A run that outlived its start delay was stable: only rapid
	// respawn failures accumulate toward the retries cap. Uptime is
	// measured in whole seconds, so with a zero start delay a run must
	// last at least one second to count as stable.
	if c.clock.Now().Sub(c.startTS).Truncate(time.Second) > c.cfg.StartDelay {
		c.startCount = 0
	}

	if st.Signal != 0 {
		c.log.Info("killed",
			zap.Int("pid", pid),
			zap.String("signal", st.Signal.String()))
	} else {
		c.log.Info("exited",
			zap.Int("pid", pid),
			zap.Int("status", st.Code))
	}

	c.scheduleRestart(gen)
}

// scheduleRestart applies the restart policy: park the child when the
// retries cap is exhausted, otherwise arm a one-shot start after the
// start delay. The timer captures gen; if the child's state has moved on
// by fire time the restart is abandoned.
func (c *Child) scheduleRestart(gen uint64) {
	if c.cfg.StartRetries > 0 && c.startCount >= c.cfg.StartRetries {
		c.broken = true
		c.log.Warn("too many failures, not restarting",
			zap.Int("attempts", c.startCount))
		return
	}

	c.clock.AfterFunc(c.cfg.StartDelay, func() {
		c.post(func() {
			if gen != c.gen || c.pid != 0 || c.broken {
				return
			}
			_, _ = c.start()
		})
	})
}

// status snapshots the child at the given time
func (c *Child) status(now time.Time) Status {
	st := Status{
		Name:       c.name,
		PID:        c.pid,
		StartCount: c.startCount,
		LastStatus: c.lastStatus,
	}
	switch {
	case c.broken:
		st.State = StateBroken
	case c.pid == 0:
		st.State = StateIdle
	case c.restarting:
		st.State = StateStopping
	case now.Sub(c.startTS) < c.cfg.StartDelay:
		st.State = StateStarting
	default:
		st.State = StateRunning
	}
	if c.pid != 0 {
		st.Since = c.startTS
		st.Uptime = now.Sub(c.startTS)
	}
	return st
}
