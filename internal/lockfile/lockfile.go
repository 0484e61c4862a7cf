// Package lockfile implements the single-instance invariant (spec §5): an
// advisory flock-based lock preventing two processes from operating on the
// same sync root concurrently.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	filePermissions = 0o644
	dirPermissions  = 0o755
)

// ErrLocked is returned by Acquire when another process already holds the
// lock.
var ErrLocked = errors.New("lockfile: another instance is already running")

// Lock represents an acquired advisory lock. Release removes the file and
// drops the flock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire creates (or reuses) the lock file at path, takes a non-blocking
// exclusive flock, and writes the current PID into it.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lockfile: path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("lockfile: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("lockfile: opening: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w (could not lock %s)", ErrLocked, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile: truncating: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile: writing pid: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("lockfile: syncing: %w", err)
	}

	return &Lock{f: f, path: path}, nil
}

// Release removes the lock file and closes the handle, dropping the flock.
func (l *Lock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// ReadPID reads the PID recorded in the lock file at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("lockfile: reading: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lockfile: invalid pid in %s: %w", path, err)
	}

	return pid, nil
}

// SendSIGHUP signals the running daemon recorded at path to perform an
// immediate out-of-band refresh (spec's scheduler coalesces it like any
// other refresh trigger). Stale lock files (process no longer alive) are
// cleaned up.
func SendSIGHUP(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running daemon found (no lock file at %s)", path)
		}

		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("lockfile: finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)
		return fmt.Errorf("daemon (pid %d) is not running (stale lock file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("lockfile: sending SIGHUP to pid %d: %w", pid, err)
	}

	return nil
}
