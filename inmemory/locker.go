package inmemory

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sharedcode/objectstore"
)

// maxReaders is the semaphore weight of an exclusive lock.
const maxReaders = 1 << 30

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker grants per key locks within one process. Waiters are served in arrival order, so a
// waiting writer holds back readers that come after it.
type Locker struct {
	lock   sync.Mutex
	keys   map[string]*keyLock
	exists objectstore.ExistenceChecker
}

type handle struct {
	key      string
	mode     objectstore.LockMode
	weight   int64
	kl       *keyLock
	released bool
}

func (h *handle) Key() string                { return h.key }
func (h *handle) Mode() objectstore.LockMode { return h.mode }

// NewLocker returns a locker that does not check existence until composed with a store.
func NewLocker() *Locker {
	return &Locker{
		keys: make(map[string]*keyLock),
	}
}

// SetExistenceChecker makes lock calls on absent objects fail with ErrNotFound.
func (l *Locker) SetExistenceChecker(ec objectstore.ExistenceChecker) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.exists = ec
}

func (l *Locker) LockExclusive(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return l.acquire(ctx, key, objectstore.Exclusive, maxReaders)
}

func (l *Locker) LockShared(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return l.acquire(ctx, key, objectstore.Shared, 1)
}

func (l *Locker) acquire(ctx context.Context, key string, mode objectstore.LockMode, weight int64) (objectstore.LockHandle, error) {
	l.lock.Lock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(maxReaders)}
		l.keys[key] = kl
	}
	kl.refs++
	ec := l.exists
	l.lock.Unlock()

	if err := kl.sem.Acquire(ctx, weight); err != nil {
		l.unref(key, kl)
		return nil, err
	}
	h := &handle{key: key, mode: mode, weight: weight, kl: kl}
	if ec != nil {
		found, err := ec.Exists(ctx, key)
		if err == nil && !found {
			err = objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("cannot lock absent object %s", key), UserData: key}
		}
		if err != nil {
			l.release(h)
			return nil, err
		}
	}
	return h, nil
}

func (l *Locker) Unlock(ctx context.Context, lh objectstore.LockHandle) error {
	h, ok := lh.(*handle)
	if !ok {
		return objectstore.NewError(objectstore.InvalidArgument, lh.Key(), "foreign lock handle %T", lh)
	}
	l.lock.Lock()
	released := h.released
	h.released = true
	l.lock.Unlock()
	if released {
		return objectstore.NewError(objectstore.NotLocked, h.key, "lock already released")
	}
	h.kl.sem.Release(h.weight)
	l.unref(h.key, h.kl)
	return nil
}

func (l *Locker) release(h *handle) {
	h.released = true
	h.kl.sem.Release(h.weight)
	l.unref(h.key, h.kl)
}

func (l *Locker) unref(key string, kl *keyLock) {
	l.lock.Lock()
	defer l.lock.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}
