package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// stderrTail bounds how much generator stderr is kept for error messages.
const stderrTail = 4096

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, including helpers the generator forked.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// runGenerator runs cmd to completion and returns everything it wrote to
// stdout. The process is tracked by pm, when set, until it exits. A failed
// run reports the tail of stderr.
func runGenerator(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) ([]byte, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	err := cmd.Wait()
	switch {
	case err == nil:
		return stdout.Bytes(), nil
	case ctx.Err() != nil:
		return stdout.Bytes(), fmt.Errorf("command interrupted: %w (%v)", ctx.Err(), err)
	case len(stderr.buf) > 0:
		return stdout.Bytes(), fmt.Errorf("command failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.buf))
	default:
		return stdout.Bytes(), fmt.Errorf("command failed: %w", err)
	}
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks running generator processes so shutdown can kill
// any still in flight.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started process. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

// Untrack forgets a process after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked process. Processes stay
// tracked until their runner untracks them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pm.procs) > 0 {
		log.WithField("count", len(pm.procs)).Warn("killed in-flight generator processes")
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
