package supervise

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	iunix "github.com/axondata/go-supervise/internal/unix"
)

// Engine supervises the configured children, routes process signals, and
// hosts the control server.
//
// All child state is owned by a single loop goroutine; every mutation
// (operator commands, exit notifications, restart timers, signal fan-outs)
// enters through the ops channel and executes serially. No locks guard the
// children because nothing else touches them.
type Engine struct {
	cfg      *Config
	children map[string]*Child
	names    []string

	log     *zap.Logger
	clock   Clock
	spawner Spawner
	kill    func(pid int, sig syscall.Signal) error

	idleTimeout time.Duration

	ops  chan func()
	done chan struct{}

	// loop-owned
	shutdown bool

	ctlMu   sync.Mutex
	control *controlServer
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logging sink, overriding the one built from the
// configuration's log section
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock substitutes the time source used for uptime and restart scheduling
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithSpawner substitutes the process launcher
func WithSpawner(s Spawner) Option {
	return func(e *Engine) {
		e.spawner = s
	}
}

// WithKillFunc substitutes the signal delivery function
func WithKillFunc(kill func(pid int, sig syscall.Signal) error) Option {
	return func(e *Engine) {
		e.kill = kill
	}
}

// WithIdleTimeout overrides the control connection idle timeout
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.idleTimeout = d
	}
}

// New validates cfg, constructs the children, and returns an Engine ready
// to Run. Configuration errors surface here, before anything is started.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		children:    make(map[string]*Child, len(cfg.Run)),
		clock:       SystemClock(),
		spawner:     ExecSpawner{},
		kill:        iunix.Kill,
		idleTimeout: DefaultIdleTimeout,
		ops:         make(chan func(), 16),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		var lc LogConfig
		if cfg.Global != nil {
			lc = cfg.Global.Log
		}
		log, err := NewLogger(lc)
		if err != nil {
			return nil, err
		}
		e.log = log
	}

	for name, cc := range cfg.Run {
		e.children[name] = newChild(name, *cc, e.log, e.clock, e.spawner, e.post, e.kill)
		e.names = append(e.names, name)
	}
	sort.Strings(e.names)

	return e, nil
}

// Run starts every child and blocks until shutdown: TERM, an INT arriving
// while no child is alive, ctx cancellation, or Shutdown. It does not wait
// for the children to die; they are signaled and left to the reaper.
//
// The control listener, if configured, is bound before any child starts;
// a bind failure is fatal and nothing is launched.
func (e *Engine) Run(ctx context.Context) error {
	log := e.log.Named("engine")

	if e.cfg.Global != nil && e.cfg.Global.umask >= 0 {
		iunix.Umask(e.cfg.Global.umask)
	}

	var pidfile string
	if e.cfg.Global != nil && e.cfg.Global.PIDFile != "" {
		pidfile = e.cfg.Global.PIDFile
		if err := writePIDFile(pidfile); err != nil {
			return err
		}
		defer removePIDFile(pidfile)
	}

	var socketPath string
	if e.cfg.Global != nil && e.cfg.Global.Listen != "" {
		network, addr, err := ParseListen(e.cfg.Global.Listen)
		if err != nil {
			return err
		}
		ln, err := listenControl(network, addr)
		if err != nil {
			return err
		}
		if network == "unix" {
			socketPath = addr
		}
		ctl := newControlServer(e, ln, e.idleTimeout, e.log)
		ctl.start(ctx)
		e.ctlMu.Lock()
		e.control = ctl
		e.ctlMu.Unlock()
		log.Info("control listening", zap.String("addr", ln.Addr().String()))
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go e.routeSignals(sigCh)

	for _, name := range e.names {
		_, _ = e.children[name].start()
	}
	log.Info("running", zap.Int("children", len(e.names)))

	e.loop(ctx)

	e.ctlMu.Lock()
	ctl := e.control
	e.ctlMu.Unlock()
	if ctl != nil {
		ctl.stop()
	}
	if socketPath != "" {
		_ = os.Remove(socketPath)
	}
	log.Info("shut down")
	_ = e.log.Sync()
	return nil
}

// loop executes operations until one of them begins shutdown. Once done is
// closed, queued and late operations are dropped: a shutdown broadcast
// prevents any further restarts even while exit callbacks are draining.
func (e *Engine) loop(ctx context.Context) {
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-ctx.Done():
			e.broadcast(syscall.SIGTERM)
			e.shutdown = true
		}
		if e.shutdown {
			close(e.done)
			return
		}
	}
}

// beginShutdown marks the loop for termination. Loop-context only.
func (e *Engine) beginShutdown() {
	e.shutdown = true
}

// post enqueues fn for the loop, dropping it once the engine has shut down
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

// call runs fn on the loop and waits for it to complete. It reports false
// when the engine shut down before fn could run.
func (e *Engine) call(fn func()) bool {
	ran := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(ran) }:
	case <-e.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// Done is closed when the engine has shut down
func (e *Engine) Done() <-chan struct{} { return e.done }

// Shutdown broadcasts TERM to every live child and stops the engine
// without waiting for them to die
func (e *Engine) Shutdown() {
	e.post(func() {
		e.broadcast(syscall.SIGTERM)
		e.beginShutdown()
	})
}

// ControlAddr returns the address the control server is bound to, or nil
// when no control endpoint is configured. Valid once Run has logged
// "control listening".
func (e *Engine) ControlAddr() net.Addr {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	if e.control == nil {
		return nil
	}
	return e.control.ln.Addr()
}

// Control invokes a child operation by name. The returned count is the
// number of processes affected (one on success), matching the control
// protocol's success token.
func (e *Engine) Control(op Operation, name string) (int, error) {
	c, ok := e.children[name]
	if !ok {
		return 0, &OpError{Op: op, Child: name, Err: ErrUnknownChild}
	}

	var n int
	var err error
	ran := e.call(func() {
		switch op {
		case OpStart:
			n, err = c.start()
		case OpStop:
			n, err = c.stop()
		case OpRestart:
			n, err = c.restart()
		case OpReload:
			n, err = c.reload()
		default:
			err = &OpError{Op: op, Child: name, Err: ErrBadOperation}
		}
	})
	if !ran {
		return 0, ErrShuttingDown
	}
	return n, err
}

// Signal sends an arbitrary signal to a named child's live process
func (e *Engine) Signal(name string, sig syscall.Signal) (int, error) {
	c, ok := e.children[name]
	if !ok {
		return 0, &OpError{Op: OpSignal, Child: name, Err: ErrUnknownChild}
	}

	var n int
	var err error
	if !e.call(func() { n, err = c.signal(sig) }) {
		return 0, ErrShuttingDown
	}
	return n, err
}

// Status snapshots every child, sorted by name. It returns nil once the
// engine has shut down.
func (e *Engine) Status() []Status {
	var out []Status
	ran := e.call(func() {
		now := e.clock.Now()
		out = make([]Status, 0, len(e.names))
		for _, name := range e.names {
			out = append(out, e.children[name].status(now))
		}
	})
	if !ran {
		return nil
	}
	return out
}

// listenControl binds the control endpoint. A UNIX-domain path that is
// already present refuses to bind rather than silently stealing it.
func listenControl(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if _, err := os.Lstat(addr); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrSocketExists, addr)
		}
	}
	return net.Listen(network, addr)
}
