package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// LockMode tells whether a lock is shared (read) or exclusive (write).
type LockMode int

const (
	// Unlocked is the zero value, no lock held.
	Unlocked LockMode = iota
	// Shared allows concurrent readers.
	Shared
	// Exclusive allows a single writer.
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return "unlocked"
}

// LockHandle identifies one granted lock. Implementations carry their own state behind it
// and only accept handles they produced.
type LockHandle interface {
	// Key is the locked key.
	Key() string
	// Mode is the granted lock mode.
	Mode() LockMode
}

// Store is the durable key/value half of a Backend.
type Store interface {
	// Create writes value under key only if key is absent, failing with ErrAlreadyExists otherwise.
	Create(ctx context.Context, key string, value []byte) error
	// AtomicOverwrite replaces the value visible to all readers in one indivisible step.
	// A crash during the call never leaves a partially written value observable.
	AtomicOverwrite(ctx context.Context, key string, value []byte) error
	// Read returns the value of key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Remove deletes key, failing with ErrNotFound if it is absent.
	Remove(ctx context.Context, key string) error
	// List enumerates all keys currently stored, in no particular order.
	List(ctx context.Context) ([]string, error)
	// Params describes the store for logs and admin output.
	Params() string
	// Close releases connections and other resources held by the store.
	Close() error
}

// Locker provides per-key shared/exclusive locks. Locks are per key only and a Locker never
// deadlocks on its own: lock ordering is the caller's responsibility.
type Locker interface {
	// LockExclusive blocks until an exclusive lock on key is granted or ctx is done.
	// Locking a key whose object does not exist fails with ErrNotFound.
	LockExclusive(ctx context.Context, key string) (LockHandle, error)
	// LockShared blocks until a shared lock on key is granted or ctx is done.
	LockShared(ctx context.Context, key string) (LockHandle, error)
	// Unlock releases a lock previously granted by this Locker.
	Unlock(ctx context.Context, h LockHandle) error
}

// Backend is the storage and locking substrate the object store is written against.
type Backend interface {
	Store
	Locker
}

// ExistenceChecker lets a Locker verify that an object exists before granting a lock on it.
type ExistenceChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// ExistenceAwareLocker is implemented by standalone lockers that need to be told where objects
// live so they can refuse to lock absent keys.
type ExistenceAwareLocker interface {
	Locker
	SetExistenceChecker(ExistenceChecker)
}

type composedBackend struct {
	Store
	locker Locker
}

// Compose pairs a Store with a Locker from another system, e.g. Cassandra rows with Redis leases.
func Compose(store Store, locker Locker) Backend {
	if eal, ok := locker.(ExistenceAwareLocker); ok {
		eal.SetExistenceChecker(store)
	}
	return &composedBackend{
		Store:  store,
		locker: locker,
	}
}

func (b *composedBackend) LockExclusive(ctx context.Context, key string) (LockHandle, error) {
	return b.locker.LockExclusive(ctx, key)
}

func (b *composedBackend) LockShared(ctx context.Context, key string) (LockHandle, error) {
	return b.locker.LockShared(ctx, key)
}

func (b *composedBackend) Unlock(ctx context.Context, h LockHandle) error {
	return b.locker.Unlock(ctx, h)
}

func (b *composedBackend) Params() string {
	return fmt.Sprintf("%s locked by %T", b.Store.Params(), b.locker)
}

// Close closes the store and, when it is closable, the locker.
func (b *composedBackend) Close() error {
	err := b.Store.Close()
	if c, ok := b.locker.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
