// Package supervise is a multi-process supervisor: it launches a fixed set
// of configured commands, restarts the ones that exit, and exposes runtime
// control over signals and a line-oriented control socket.
//
// The core type is the Engine, constructed from a Config and run until
// shutdown:
//
//	cfg, err := supervise.Load("supervise.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := supervise.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = eng.Run(context.Background())
//
// Each child is a command plus a restart policy: start_delay is the
// minimum time between an exit and the next launch, and start_retries
// bounds how many rapid respawn failures are tolerated before the child is
// parked as broken. A run whose uptime, in whole seconds, exceeds its start
// delay resets the failure counter, so only crash loops accumulate toward
// the cap. Broken children
// stay down until an operator start.
//
// # Signals
//
// The supervisor answers INT, HUP, and TERM. HUP fans HUP out to every
// live child. TERM fans TERM out and exits without waiting. INT fans INT
// out; a second INT arriving while the children are transiently dead exits
// the supervisor, which is the usual double-Ctrl-C escape during
// interactive use.
//
// # Control protocol
//
// When global.listen is configured ("host:port" or "unix/:path"), the
// Engine serves a line protocol: "status" reports every child as
// "NAME up UPTIME PID", "NAME fail COUNT", or "NAME down"; "start NAME",
// "stop NAME", "restart NAME", and "reload NAME" invoke the matching
// operation and echo the command line with the result appended. Every
// response is preceded by a blank line. "quit" or "." closes the
// connection; 30 seconds of silence does too.
//
// # Concurrency model
//
// All child state is owned by a single engine goroutine. Exit
// notifications, restart timers, operator commands, and signal fan-outs
// are functions queued onto that goroutine, so they execute serially and
// operator intent always wins over a pending automatic restart.
package supervise
