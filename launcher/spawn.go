package launcher

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// child wraps one spawned subprocess. wait() may only be consumed once; the
// exit watcher owns it.
type child struct {
	cmd *exec.Cmd
	pid int

	waitOnce sync.Once
	waitDone chan struct{}
	exitCode int
}

// spawn starts the binary with the given argument vector and begins draining
// its stdout/stderr into the log, prefixed with the session id.
func spawn(sessionID, binary string, args []string, cwd string, env []string) (*child, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = cwd
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	ch := &child{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		waitDone: make(chan struct{}),
	}

	go drainOutput(sessionID, "stdout", stdout)
	go drainOutput(sessionID, "stderr", stderr)

	return ch, nil
}

// drainOutput forwards subprocess output lines into the server log. The
// conversation itself flows over the WebSocket; stdio is diagnostics only.
func drainOutput(sessionID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug().
			Str("sessionId", sessionID).
			Str("stream", stream).
			Msg(scanner.Text())
	}
}

// wait blocks until the child exits and returns its exit code. Safe to call
// from multiple goroutines; the underlying Wait runs once.
func (c *child) wait() int {
	c.waitOnce.Do(func() {
		err := c.cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				c.exitCode = exitErr.ExitCode()
			} else {
				c.exitCode = -1
			}
		}
		close(c.waitDone)
	})
	<-c.waitDone
	return c.exitCode
}

// terminate sends SIGTERM, waits up to grace for the child to exit, then
// escalates to SIGKILL.
func (c *child) terminate(grace time.Duration) {
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		return
	}

	done := make(chan struct{})
	go func() {
		c.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn().Int("pid", c.pid).Msg("subprocess ignored SIGTERM, sending SIGKILL")
		c.cmd.Process.Kill()
		<-done
	}
}
