package dataset

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// flock is an advisory lock file holding the owner's PID. Creation is
// O_EXCL so exactly one process wins; a lock left behind by a dead process
// is taken over.
type flock struct {
	path string
}

func acquireLock(path string) (*flock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			return &flock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		pid, alive := lockOwner(path)
		if alive {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		// Stale lock from a dead process; remove and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale lock: %w", rerr)
		}
	}
	return nil, ErrLocked
}

func (l *flock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// lockOwner reads the PID from an existing lock file and reports whether
// that process is still running. Unreadable content counts as stale.
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path) // #nosec G304 -- lock path built from the dataset root
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 probes existence without touching the process.
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return pid, true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return pid, false
	default:
		// EPERM and the like mean the process exists.
		return pid, true
	}
}
