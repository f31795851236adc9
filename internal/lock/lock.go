// Package lock implements the bridge's singleton file lock: a PID-stamped
// lock file that refuses to start a second instance against the same
// store, while reclaiming a lock left behind by a process whose PID no
// longer exists. Two live instances would duplicate every reply, so a
// held lock with a live PID is fatal.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a held singleton lock; call Release when the process exits.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the singleton lock at path, reclaiming it if the PID
// recorded there belongs to a process that is no longer running.
func Acquire(path string) (*Lock, error) {
	if existing, err := os.ReadFile(path); err == nil {
		if pid, ok := parsePID(existing); ok && pidAlive(pid) {
			return nil, fmt.Errorf("lock: another instance is running (pid %d, lock %s)", pid, path)
		}
		// Stale lock: the recorded PID is gone. Fall through and reclaim.
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: write pid to %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release closes and removes the lock file.
func (l *Lock) Release() error {
	l.file.Close()
	return os.Remove(l.path)
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given PID is currently
// running, using signal 0 (no-op) to probe without affecting the process.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
