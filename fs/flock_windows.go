//go:build windows

package fs

import (
	"math"
	"os"

	"golang.org/x/sys/windows"
)

func lockFileShared(target *os.File) error {
	ol, err := newOverlapped()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(ol.HEvent)

	return windows.LockFileEx(
		windows.Handle(target.Fd()),
		windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,              // reserved
		0,              // bytes low
		math.MaxUint32, // bytes high
		ol,
	)
}

func lockFileExclusive(target *os.File) error {
	ol, err := newOverlapped()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(ol.HEvent)

	return windows.LockFileEx(
		windows.Handle(target.Fd()),
		windows.LOCKFILE_FAIL_IMMEDIATELY|windows.LOCKFILE_EXCLUSIVE_LOCK,
		0,              // reserved
		0,              // bytes low
		math.MaxUint32, // bytes high
		ol,
	)
}

func unlockFile(target *os.File) error {
	ol, err := newOverlapped()
	if err != nil {
		return err
	}
	defer windows.CloseHandle(ol.HEvent)

	return windows.UnlockFileEx(
		windows.Handle(target.Fd()),
		0,              // reserved
		0,              // bytes low
		math.MaxUint32, // bytes high
		ol,
	)
}

func isContendedLockError(err error) bool {
	return err == windows.ERROR_IO_PENDING || err == windows.ERROR_LOCK_VIOLATION
}

// newOverlapped creates a structure used to track asynchronous I/O requests that have been issued.
func newOverlapped() (*windows.Overlapped, error) {
	handle, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	return &windows.Overlapped{HEvent: handle}, nil
}
