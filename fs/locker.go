package fs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/sharedcode/objectstore"
)

const (
	lockPollStart = time.Millisecond
	lockPollMax   = 50 * time.Millisecond
)

// handlePool accounts for the lock files one Backend holds open. Every lock call takes a slot
// before opening its file and gives it back when the file is closed, on every path.
type handlePool struct {
	slots *semaphore.Weighted
	lock  sync.Mutex
	open  int
}

func newHandlePool(max int) *handlePool {
	p := &handlePool{}
	if max > 0 {
		p.slots = semaphore.NewWeighted(int64(max))
	}
	return p
}

func (p *handlePool) acquire(ctx context.Context) error {
	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	p.lock.Lock()
	p.open++
	p.lock.Unlock()
	return nil
}

func (p *handlePool) release() {
	p.lock.Lock()
	p.open--
	p.lock.Unlock()
	if p.slots != nil {
		p.slots.Release(1)
	}
}

// OpenLocks returns how many lock files are currently held open.
func (b *Backend) OpenLocks() int {
	b.pool.lock.Lock()
	defer b.pool.lock.Unlock()
	return b.pool.open
}

type lockHandle struct {
	key  string
	mode objectstore.LockMode
	file *os.File
	once sync.Once
}

func (h *lockHandle) Key() string                { return h.key }
func (h *lockHandle) Mode() objectstore.LockMode { return h.mode }

func (b *Backend) LockExclusive(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return b.lock(ctx, key, objectstore.Exclusive)
}

func (b *Backend) LockShared(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return b.lock(ctx, key, objectstore.Shared)
}

func (b *Backend) lock(ctx context.Context, key string, mode objectstore.LockMode) (objectstore.LockHandle, error) {
	// Fail fast on absent objects, without creating a lock file for them.
	if ok, err := b.Exists(ctx, key); err != nil {
		return nil, err
	} else if !ok {
		return nil, notFound(key, fmt.Errorf("cannot lock absent object %s", key))
	}
	if err := b.pool.acquire(ctx); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(b.lockPath(key), os.O_RDWR|os.O_CREATE, permission)
	if err != nil {
		b.pool.release()
		return nil, err
	}
	h := &lockHandle{key: key, mode: mode, file: f}

	tryLock := lockFileShared
	if mode == objectstore.Exclusive {
		tryLock = lockFileExclusive
	}
	bo := retry.WithCappedDuration(lockPollMax, retry.NewExponential(lockPollStart))
	if err := retry.Do(ctx, bo, func(ctx context.Context) error {
		err := tryLock(f)
		if err != nil && isContendedLockError(err) {
			return retry.RetryableError(err)
		}
		return err
	}); err != nil {
		b.closeHandle(h)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	// The object may have been removed while we waited.
	if ok, err := b.Exists(ctx, key); err != nil || !ok {
		b.unlockHandle(h)
		if err == nil {
			err = notFound(key, fmt.Errorf("object %s removed while waiting for its lock", key))
		}
		return nil, err
	}
	return h, nil
}

func (b *Backend) Unlock(ctx context.Context, lh objectstore.LockHandle) error {
	h, ok := lh.(*lockHandle)
	if !ok {
		return objectstore.NewError(objectstore.InvalidArgument, lh.Key(), "foreign lock handle %T", lh)
	}
	return b.unlockHandle(h)
}

func (b *Backend) unlockHandle(h *lockHandle) error {
	var err error
	released := true
	h.once.Do(func() {
		released = false
		err = unlockFile(h.file)
		if cerr := h.file.Close(); err == nil {
			err = cerr
		}
		b.pool.release()
	})
	if released {
		return objectstore.NewError(objectstore.NotLocked, h.key, "lock already released")
	}
	return err
}

func (b *Backend) closeHandle(h *lockHandle) {
	h.once.Do(func() {
		h.file.Close()
		b.pool.release()
	})
}
