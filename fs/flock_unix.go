//go:build !windows

package fs

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock locks are held per open file description, so two handles opened by the same process
// exclude each other just like two processes do.

func lockFileShared(target *os.File) error {
	return unix.Flock(int(target.Fd()), unix.LOCK_SH|unix.LOCK_NB)
}

func lockFileExclusive(target *os.File) error {
	return unix.Flock(int(target.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(target *os.File) error {
	return unix.Flock(int(target.Fd()), unix.LOCK_UN)
}

// isContendedLockError tells whether a lock attempt failed only because someone else holds it.
func isContendedLockError(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EWOULDBLOCK, unix.EINTR:
		return true
	}
	return false
}
