package worker

import (
	"context"
	"fmt"
	"time"

	"taskwarden/internal/manifest"
)

// InProc wraps an Executor so it can be launched like any other starter.
// The attempt runs in a goroutine; Terminate and Kill both cancel its
// context, which is the strongest stop available in-process.
func InProc(exec Executor) Starter {
	return inprocStarter{exec: exec}
}

type inprocStarter struct {
	exec Executor
}

func (s inprocStarter) Start(ctx context.Context, task manifest.Task) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &inprocHandle{
		hb:     NewHeartbeat(),
		cancel: cancel,
		done:   make(chan error, 1),
		start:  time.Now(),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		h.done <- s.exec.Execute(runCtx, task, h.hb)
	}()
	return h, nil
}

type inprocHandle struct {
	hb     *Heartbeat
	cancel context.CancelFunc
	done   chan error
	start  time.Time
}

func (h *inprocHandle) Done() <-chan error { return h.done }

func (h *inprocHandle) LastActivity() time.Time {
	if t, ok := h.hb.Last(); ok {
		return t
	}
	// No beats recorded: the executor opted out of heartbeats, so it
	// always reads as active and only the hard timeout applies.
	return time.Now()
}

func (h *inprocHandle) Terminate() error {
	h.cancel()
	return nil
}

func (h *inprocHandle) Kill() error {
	h.cancel()
	return nil
}

func (h *inprocHandle) Pid() int { return 0 }
