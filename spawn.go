package supervise

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	iunix "github.com/axondata/go-supervise/internal/unix"
)

// ExitStatus is the decoded wait status of a terminated child process
type ExitStatus struct {
	// Code is the exit code; zero when the process died from a signal
	Code int
	// Signal is the terminating signal, zero when the process exited
	Signal syscall.Signal
	// Err is set when the wait itself failed
	Err error
}

// Proc is a handle to a live child process
type Proc struct {
	// PID is the operating system process ID
	PID int
	// Done receives exactly one ExitStatus when the process terminates
	Done <-chan ExitStatus
}

// Spawner launches child processes. The engine uses ExecSpawner; tests
// substitute fakes.
type Spawner interface {
	// Spawn forks and execs the child's command, returning a handle whose
	// Done channel completes when the process terminates
	Spawn(name string, cfg *ChildConfig) (*Proc, error)
}

// umaskMu serializes umask swaps around Start: the mask is process-wide,
// so concurrent spawns with different masks must not interleave.
var umaskMu sync.Mutex

// ExecSpawner launches children with os/exec, applying per-child
// credentials and umask before exec.
type ExecSpawner struct{}

// Spawn implements Spawner
func (ExecSpawner) Spawn(name string, cfg *ChildConfig) (*Proc, error) {
	argv := cfg.Cmd.argv()
	if len(argv) == 0 {
		return nil, ErrMissingCmd
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if cfg.User != "" || cfg.Group != "" {
		cred, err := lookupCredential(cfg.User, cfg.Group)
		if err != nil {
			return nil, err
		}
		// os/exec applies setgid before setuid, so the gid drop happens
		// while the process can still change groups.
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	mask, err := parseUmask(cfg.Umask)
	if err != nil {
		return nil, err
	}
	if mask >= 0 {
		umaskMu.Lock()
		prev := iunix.Umask(mask)
		err = cmd.Start()
		iunix.Umask(prev)
		umaskMu.Unlock()
	} else {
		err = cmd.Start()
	}
	if err != nil {
		return nil, err
	}

	done := make(chan ExitStatus, 1)
	go func() {
		waitErr := cmd.Wait()
		done <- decodeWait(cmd.ProcessState, waitErr)
	}()

	return &Proc{PID: cmd.Process.Pid, Done: done}, nil
}

// decodeWait extracts the exit code or terminating signal from a completed wait
func decodeWait(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Err: waitErr}
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: state.ExitCode()}
	}
	if ws.Signaled() {
		return ExitStatus{Signal: ws.Signal()}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// lookupCredential resolves user and group names (or numeric IDs) into a
// Credential. A group given without a user applies to the supervisor's uid.
func lookupCredential(userName, groupName string) (*syscall.Credential, error) {
	cred := &syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			if id, convErr := strconv.Atoi(userName); convErr == nil {
				cred.Uid = uint32(id)
			} else {
				return nil, fmt.Errorf("user %q: %w", userName, err)
			}
		} else {
			uid, _ := strconv.Atoi(u.Uid)
			gid, _ := strconv.Atoi(u.Gid)
			cred.Uid = uint32(uid)
			cred.Gid = uint32(gid)
		}
	}

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			if id, convErr := strconv.Atoi(groupName); convErr == nil {
				cred.Gid = uint32(id)
			} else {
				return nil, fmt.Errorf("group %q: %w", groupName, err)
			}
		} else {
			gid, _ := strconv.Atoi(g.Gid)
			cred.Gid = uint32(gid)
		}
	}

	return cred, nil
}
