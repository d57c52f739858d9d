// Package runlock serializes runs against a shared state directory.
// Two adferry processes loading the same warehouse would interleave
// bookkeeping rows and fight over incremental watermarks, so the run
// command takes an exclusive file lock for the duration of the run.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrBusy reports that another process holds the run lock.
var ErrBusy = errors.New("run lock held by another process")

// Lock is a held run lock. Release it when the run finishes; the
// kernel drops it anyway if the process dies.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the exclusive run lock under dir, creating the
// directory as needed. When the lock is busy the error names the
// owning pid when one is recorded.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("run lock: %w", err)
	}
	path := filepath.Join(dir, "adferry.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("run lock: %w", err)
	}
	if err := flockTry(f); err != nil {
		owner := ownerPID(f)
		f.Close()
		if errors.Is(err, ErrBusy) && owner > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrBusy, owner)
		}
		return nil, err
	}

	// Record the owner for diagnostics. The flock is the authority;
	// a stale pid left by a crash is overwritten on the next acquire.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = f.Sync()
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockRelease(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func ownerPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
