package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"vawter.tech/stopper"
)

// controlServer accepts line-oriented control connections and translates
// commands into engine operations. Each connection is serviced by its own
// goroutine, but every command still serializes through the engine loop,
// so commands never reorder against signal-driven state changes.
type controlServer struct {
	eng  *Engine
	ln   net.Listener
	idle time.Duration
	log  *zap.Logger
	sctx *stopper.Context
}

func newControlServer(eng *Engine, ln net.Listener, idle time.Duration, log *zap.Logger) *controlServer {
	return &controlServer{
		eng:  eng,
		ln:   ln,
		idle: idle,
		log:  log.Named("control"),
	}
}

// start launches the accept loop under a stopper context so stop can
// collect every connection goroutine.
func (s *controlServer) start(ctx context.Context) {
	s.sctx = stopper.WithContext(ctx)

	s.sctx.Go(func(sctx *stopper.Context) error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if sctx.IsStopping() || errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.log.Warn("accept failed", zap.Error(err))
				return nil
			}
			sctx.Go(func(sctx *stopper.Context) error {
				s.serve(sctx, conn)
				return nil
			})
		}
	})
}

// stop closes the listener and waits briefly for connections to unwind
func (s *controlServer) stop() {
	_ = s.ln.Close()
	s.sctx.Stop(100 * time.Millisecond)
	_ = s.sctx.Wait()
}

// serve runs one connection until EOF, idle timeout, oversized input,
// write failure, or a client quit.
func (s *controlServer) serve(sctx *stopper.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Unblock pending reads when the server stops.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-sctx.Stopping():
			_ = conn.Close()
		case <-connDone:
		}
	}()

	remote := conn.RemoteAddr().String()
	s.log.Debug("connected", zap.String("remote", remote))

	r := bufio.NewReaderSize(conn, MaxLineLen)
	w := bufio.NewWriterSize(conn, MaxWriteBuffer)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		line, err := r.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				err = ErrLineTooLong
			}
			s.log.Debug("closing", zap.String("remote", remote), zap.Error(err))
			return
		}

		cmd := strings.TrimSpace(string(line))
		if cmd == opQuitStr || cmd == "." {
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.idle))
		if err := writeResponse(w, s.dispatch(cmd)); err != nil {
			s.log.Debug("write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

// dispatch maps one command line to its response lines
func (s *controlServer) dispatch(cmd string) []string {
	if cmd == opStatusStr {
		sts := s.eng.Status()
		lines := make([]string, 0, len(sts))
		for _, st := range sts {
			lines = append(lines, st.Line())
		}
		return lines
	}

	fields := strings.Fields(cmd)
	if len(fields) == 2 {
		op := ParseOperation(fields[0])
		switch op {
		case OpStart, OpStop, OpRestart, OpReload:
			n, err := s.eng.Control(op, fields[1])
			switch {
			case errors.Is(err, ErrUnknownChild):
				return []string{cmd + " unknown"}
			case err != nil:
				return []string{cmd + " fail"}
			default:
				return []string{fmt.Sprintf("%s %d", cmd, n)}
			}
		}
	}

	if cmd == "" {
		return []string{opUnknownStr}
	}
	return []string{cmd + " unknown"}
}

// writeResponse emits the framing blank line followed by each response
// line, flushing per line to honor the queued-write cap.
func writeResponse(w *bufio.Writer, lines []string) error {
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return w.Flush()
}
