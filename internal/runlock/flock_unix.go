//go:build unix

package runlock

import (
	"os"

	"golang.org/x/sys/unix"
)

func flockTry(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrBusy
	}
	return err
}

func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
