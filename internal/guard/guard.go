// Package guard enforces single-instance operation with a pid file.
// A lock left behind by a dead process is detected via process liveness
// and reclaimed; a lock held by a live process refuses startup.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	logx "taskwarden/pkg/logx"
)

// ErrAlreadyHeld reports that another live instance owns the lock.
var ErrAlreadyHeld = errors.New("another instance is already running")

type Guard struct {
	path string
	pid  int
	log  logx.Logger
}

// Acquire takes the instance lock at path, reclaiming it if the recorded
// owner is no longer alive. The caller must Release on shutdown.
func Acquire(path string, log logx.Logger) (*Guard, error) {
	return acquire(path, os.Getpid(), log)
}

// acquire takes the claiming pid explicitly so contested acquisition is
// testable without a second process.
func acquire(path string, pid int, log logx.Logger) (*Guard, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("guard: lock path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	g := &Guard{path: path, pid: pid, log: log}

	// The exclusive link is the serialization point: of two instances
	// starting at once, exactly one materializes the lock file.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := g.tryCreate()
		if err != nil {
			return nil, err
		}
		if created {
			return g, nil
		}

		if owner, ok := readPid(path); ok {
			if owner == g.pid {
				// Our own leftover from a previous in-process acquire.
				return g, nil
			}
			alive, err := process.PidExists(int32(owner))
			if err == nil && alive {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyHeld, owner, path)
			}
			log.Warn("reclaiming stale instance lock",
				logx.Int("stale_pid", owner),
				logx.String("path", path))
		}

		// Stale or unreadable. Rename it aside before deleting: only one
		// contender wins the rename, so nobody ever deletes a lock a rival
		// just re-created.
		stale := path + ".stale"
		if err := os.Rename(path, stale); err == nil {
			_ = os.Remove(stale)
		}
	}
	return nil, fmt.Errorf("%w (lock %s contested)", ErrAlreadyHeld, path)
}

// tryCreate materializes the lock file atomically and exclusively: the pid
// is written to a private temp file which is then hard-linked into place,
// so the lock never exists empty or half-written. Returns false when
// another instance holds the path.
func (g *Guard) tryCreate() (bool, error) {
	tmp := fmt.Sprintf("%s.%d.tmp", g.path, g.pid)
	data := strconv.Itoa(g.pid) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	err := os.Link(tmp, g.path)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release removes the lock if this process still owns it.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	owner, ok := readPid(g.path)
	if !ok || owner != g.pid {
		// Someone else reclaimed it; leave their lock alone.
		return nil
	}
	return os.Remove(g.path)
}

// Path reports the lock file location.
func (g *Guard) Path() string { return g.path }

func readPid(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
