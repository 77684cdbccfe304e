package queryserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"

	"qlbridge/internal/jsonrpc"
	"qlbridge/internal/logging"
	"qlbridge/internal/services"
)

// process is one spawned query server and its connection.
type process struct {
	cmd      *exec.Cmd
	conn     *jsonrpc.Conn
	stderr   *tailBuffer
	started  time.Time
	stopping atomic.Bool

	exited  chan struct{}
	exitErr error
	connErr error
}

func (p *process) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// spawn launches the server and waits out the startup window.
func (c *Client) spawn(ctx context.Context, binary string) (*process, error) {
	cmd := c.newCommand(binary, c.opts.Args()...)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "start", "open stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "start", "open stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "start", "open stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "start", "spawn query server", err)
	}

	p := &process{
		cmd:     cmd,
		stderr:  newTailBuffer(defaultStderrTailLines),
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	logger := c.logger.With(logging.Int(logging.FieldPID, p.pid()))
	p.conn = jsonrpc.NewConn(stdout, stdin, jsonrpc.Options{
		Framing:       c.opts.Framing,
		MaxFrameBytes: c.opts.MaxFrameBytes,
		Logger:        logger,
		Observer:      c.opts.Observer,
	})
	p.conn.OnNotification(MethodMessage, func(params json.RawMessage) {
		var msg messageParams
		if err := json.Unmarshal(params, &msg); err != nil {
			return
		}
		if text := strings.TrimSpace(msg.Message); text != "" {
			logger.Debug("evaluator message", logging.String("message", text))
		}
	})
	p.conn.Start()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			p.stderr.Add(line)
			logger.Debug("query server stderr", logging.String("line", line))
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	// Wait only after both pipes are drained; Wait closes them.
	go func() {
		<-p.conn.Done()
		if !p.stopping.Load() {
			c.reapAfterConnLoss(p, stderrDone)
		}
		<-stderrDone
		p.exitErr = cmd.Wait()
		close(p.exited)
		c.handleExit(p)
	}()

	timer := time.NewTimer(c.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil, services.Wrap(services.ErrExternalTool, component, "start", "",
			fmt.Errorf("%w: %s%s", ErrExitedEarly, exitDescription(p.exitErr), p.stderr.Suffix()))
	case <-ctx.Done():
		p.stopping.Store(true)
		_ = killProcessTree(cmd)
		<-p.exited
		return nil, ctx.Err()
	case <-timer.C:
	}
	return p, nil
}

// stopProcess asks the server to shut down, then kills the process group if
// it is still alive when the grace period ends.
func (c *Client) stopProcess(ctx context.Context, p *process) {
	p.stopping.Store(true)
	deadline := time.Now().Add(c.opts.ShutdownGrace)

	shutdownCtx, cancel := context.WithDeadline(ctx, deadline)
	if err := p.conn.Call(shutdownCtx, MethodShutdown, nil, nil, nil); err != nil {
		c.logger.Debug("shutdown request not acknowledged", logging.Int(logging.FieldPID, p.pid()), logging.Error(err))
	}
	cancel()
	_ = p.conn.Close()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-p.exited:
		c.logger.Info("query server stopped",
			logging.Int(logging.FieldPID, p.pid()),
			logging.Duration("uptime", time.Since(p.started)),
		)
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	logging.WarnWithContext(c.logger, "query server did not exit in time; killing process group", "queryserver_killed",
		logging.Int(logging.FieldPID, p.pid()),
		logging.Duration("grace", c.opts.ShutdownGrace),
		logging.String(logging.FieldImpact, "in-flight evaluations were abandoned"),
	)
	if err := killProcessTree(p.cmd); err != nil {
		c.logger.Debug("kill query server failed", logging.Error(err))
	}
	<-p.exited
}

// reapAfterConnLoss makes sure a server whose connection failed while it was
// meant to be running ends up exiting. A stream error leaves the child alive
// with nothing reading its output, so it is killed at once; a plain EOF gets
// the shutdown grace period to exit on its own.
func (c *Client) reapAfterConnLoss(p *process, stderrDone <-chan struct{}) {
	if err := p.conn.Err(); err != nil && !errors.Is(err, io.EOF) {
		p.connErr = err
		c.logger.Debug("query server connection failed; killing process group",
			logging.Int(logging.FieldPID, p.pid()),
			logging.Error(err),
		)
		if err := killProcessTree(p.cmd); err != nil {
			c.logger.Debug("kill query server failed", logging.Error(err))
		}
		return
	}
	timer := time.NewTimer(c.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-stderrDone:
	case <-timer.C:
		if err := killProcessTree(p.cmd); err != nil {
			c.logger.Debug("kill query server failed", logging.Error(err))
		}
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// tailBuffer keeps the last lines of the server's stderr for error messages.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = append([]string(nil), t.lines[len(t.lines)-t.max:]...)
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Suffix renders the tail for appending to an error message.
func (t *tailBuffer) Suffix() string {
	lines := t.Lines()
	if len(lines) == 0 {
		return ""
	}
	return "; stderr: " + strings.Join(lines, " | ")
}
