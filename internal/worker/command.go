package worker

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"taskwarden/internal/manifest"
	logx "taskwarden/pkg/logx"
)

// Command launches each attempt as a child process. The payload key is
// appended to the argument list (or substituted for "{payload}" if the
// template contains it), so existing fetch/transcribe binaries can be
// driven without a wrapper script.
//
// Activity is inferred from the child's accumulated CPU time via
// gopsutil: a hung process stops burning CPU, a busy one does not.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment

	Log logx.Logger
}

func (c Command) Start(ctx context.Context, task manifest.Task) (Handle, error) {
	args := make([]string, 0, len(c.Args)+1)
	substituted := false
	for _, a := range c.Args {
		if strings.Contains(a, "{payload}") {
			a = strings.ReplaceAll(a, "{payload}", task.PayloadKey)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, task.PayloadKey)
	}

	cmd := exec.Command(c.Path, args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	// Own process group so Terminate/Kill reach any children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if !c.Log.IsZero() {
		c.Log.Debug("spawned worker process",
			logx.String("task", task.ID),
			logx.String("path", c.Path),
			logx.Int("pid", cmd.Process.Pid))
	}

	h := &cmdHandle{
		cmd:          cmd,
		pid:          cmd.Process.Pid,
		done:         make(chan error, 1),
		lastActivity: time.Now(),
	}
	if p, err := process.NewProcess(int32(h.pid)); err == nil {
		h.proc = p
	}

	go func() {
		err := cmd.Wait()
		// Context cancellation outranks the raw wait error: a process we
		// stopped on shutdown did not crash.
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		h.done <- err
	}()
	return h, nil
}

type cmdHandle struct {
	cmd  *exec.Cmd
	pid  int
	proc *process.Process
	done chan error

	mu           sync.Mutex
	lastCPU      float64
	lastActivity time.Time
}

func (h *cmdHandle) Done() <-chan error { return h.done }

// LastActivity samples the child's CPU clock. Any advance since the
// previous sample counts as activity.
func (h *cmdHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc == nil {
		return h.lastActivity
	}
	times, err := h.proc.Times()
	if err != nil {
		// Process gone or unreadable; report the last known activity and
		// let Done() settle the outcome.
		return h.lastActivity
	}
	total := times.User + times.System
	if total > h.lastCPU {
		h.lastCPU = total
		h.lastActivity = time.Now()
	}
	return h.lastActivity
}

// Terminate sends SIGTERM to the child's process group.
func (h *cmdHandle) Terminate() error {
	return syscall.Kill(-h.pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func (h *cmdHandle) Kill() error {
	return syscall.Kill(-h.pid, syscall.SIGKILL)
}

func (h *cmdHandle) Pid() int { return h.pid }
