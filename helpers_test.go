package supervise

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock drives restart scheduling deterministically
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and fires every due timer in order
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// fakeProc is a spawned process under test control
type fakeProc struct {
	pid  int
	done chan ExitStatus
}

// exit terminates the fake process with an exit code
func (p *fakeProc) exit(code int) {
	p.done <- ExitStatus{Code: code}
}

// killed terminates the fake process as if by signal
func (p *fakeProc) killed(sig syscall.Signal) {
	p.done <- ExitStatus{Signal: sig}
}

// fakeSpawner hands out fakeProcs and optionally fails
type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	failErr error
	spawned []*fakeProc
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000}
}

func (s *fakeSpawner) Spawn(_ string, _ *ChildConfig) (*Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	s.nextPID++
	p := &fakeProc{pid: s.nextPID, done: make(chan ExitStatus, 1)}
	s.spawned = append(s.spawned, p)
	return &Proc{PID: p.pid, Done: p.done}, nil
}

func (s *fakeSpawner) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) proc(i int) *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[i]
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[len(s.spawned)-1]
}

// killRecorder captures signal deliveries instead of touching real pids
type killRecorder struct {
	mu   sync.Mutex
	sent []killRecord
	fail error
}

type killRecord struct {
	pid int
	sig syscall.Signal
}

func (k *killRecorder) kill(pid int, sig syscall.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail != nil {
		return k.fail
	}
	k.sent = append(k.sent, killRecord{pid: pid, sig: sig})
	return nil
}

func (k *killRecorder) setFail(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fail = err
}

func (k *killRecorder) records() []killRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]killRecord, len(k.sent))
	copy(out, k.sent)
	return out
}

// testEngine wires an Engine to fakes and runs it until test cleanup
type testEngine struct {
	eng  *Engine
	sp   *fakeSpawner
	clk  *fakeClock
	kr   *killRecorder
	stop context.CancelFunc
}

func buildTestEngine(t *testing.T, cfg *Config, opts ...Option) *testEngine {
	t.Helper()

	te := &testEngine{
		sp:  newFakeSpawner(),
		clk: newFakeClock(),
		kr:  &killRecorder{},
	}

	all := append([]Option{
		WithLogger(zap.NewNop()),
		WithSpawner(te.sp),
		WithClock(te.clk),
		WithKillFunc(te.kr.kill),
	}, opts...)

	eng, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	te.eng = eng
	return te
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	te.stop = cancel
	go func() { _ = te.eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-te.eng.Done():
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})
}

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) *testEngine {
	t.Helper()
	te := buildTestEngine(t, cfg, opts...)
	te.start(t)
	return te
}

// childStatus returns the named child's status, failing the test if the
// child is not reported
func (te *testEngine) childStatus(t *testing.T, name string) Status {
	t.Helper()
	for _, st := range te.eng.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("child %q not in status", name)
	return Status{}
}

// waitSpawns blocks until the spawner has seen n launches
func (te *testEngine) waitSpawns(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for te.sp.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d spawns, have %d", n, te.sp.count())
		}
		time.Sleep(time.Millisecond)
	}
}

// waitFor polls cond until it holds
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// oneChildConfig builds a minimal config with a single child
func oneChildConfig(name string, cc *ChildConfig) *Config {
	return &Config{Run: map[string]*ChildConfig{name: cc}}
}

// shellChild returns a child config for a shell command with the given policy
func shellChild(cmd string, delay time.Duration, retries int) *ChildConfig {
	return &ChildConfig{
		Cmd:          Command{Shell: cmd},
		StartDelay:   delay,
		StartRetries: retries,
	}
}
