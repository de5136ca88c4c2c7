package objectstore

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"
)

// Lockable is anything a ScopedLock can be taken on, i.e. a view of a stored object.
type Lockable interface {
	Address() string
	Backend() Backend
	LockMode() LockMode
	setLockMode(m LockMode)
}

// ScopedLock holds a backend lock on one object view. Callers defer Release right after a
// successful acquisition so the lock is let go on every exit path.
type ScopedLock struct {
	mu     sync.Mutex
	obj    Lockable
	handle LockHandle
	ctx    context.Context
}

// LockExclusive blocks until obj is exclusively locked.
func LockExclusive(ctx context.Context, obj Lockable) (*ScopedLock, error) {
	return acquire(ctx, obj, Exclusive)
}

// LockShared blocks until obj is locked for reading.
func LockShared(ctx context.Context, obj Lockable) (*ScopedLock, error) {
	return acquire(ctx, obj, Shared)
}

// LockExclusiveWithTimeout is LockExclusive with a bounded wait. An expired wait fails with
// ErrLockTimeout, while the caller's own ctx cancellation is returned as is.
func LockExclusiveWithTimeout(ctx context.Context, obj Lockable, timeout time.Duration) (*ScopedLock, error) {
	if timeout <= 0 {
		return LockExclusive(ctx, obj)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	l, err := acquire(tctx, obj, Exclusive)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, Error{Code: LockTimeout, Err: err, UserData: obj.Address()}
		}
		return nil, err
	}
	return l, nil
}

func acquire(ctx context.Context, obj Lockable, mode LockMode) (*ScopedLock, error) {
	if obj.LockMode() != Unlocked {
		return nil, NewError(InvalidArgument, obj.Address(), "view already holds a %s lock", obj.LockMode())
	}
	var h LockHandle
	var err error
	if mode == Exclusive {
		h, err = obj.Backend().LockExclusive(ctx, obj.Address())
	} else {
		h, err = obj.Backend().LockShared(ctx, obj.Address())
	}
	if err != nil {
		return nil, err
	}
	obj.setLockMode(mode)
	return &ScopedLock{
		obj:    obj,
		handle: h,
		// Unlock must still go through after the caller's ctx got cancelled.
		ctx: context.WithoutCancel(ctx),
	}, nil
}

// Release unlocks the object. Calling it more than once is a no-op. Unlock failures are
// logged, the backend lease expiry takes over in that case.
func (l *ScopedLock) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return
	}
	h := l.handle
	l.handle = nil
	l.obj.setLockMode(Unlocked)
	if err := l.obj.Backend().Unlock(l.ctx, h); err != nil {
		log.Warn("failed to release lock", "address", h.Key(), "mode", h.Mode().String(), "error", err.Error())
	}
}

// Held reports whether the lock was not released yet.
func (l *ScopedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// Mode returns the mode the lock was granted with, Unlocked once released.
func (l *ScopedLock) Mode() LockMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == nil {
		return Unlocked
	}
	return l.handle.Mode()
}
