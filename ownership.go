package objectstore

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
)

// popRetries bounds how many times a pop restarts after losing an object lock race.
const popRetries = 10

// PopFromContainer moves the head object of the queue at fifoAddress to agent. The object is
// returned exclusively locked and fetched, the caller releases the lock when done with it.
// Dangling entries met on the way are discarded. It fails with ErrEmpty when nothing is left.
func PopFromContainer(ctx context.Context, agent *Agent, fifoAddress string) (*GenericObject, *ScopedLock, error) {
	for attempt := 0; ; attempt++ {
		obj, l, err := popOnce(ctx, agent, fifoAddress)
		if err == nil {
			return obj, l, nil
		}
		if CodeOf(err) != LockTimeout || attempt >= popRetries || ctx.Err() != nil {
			return nil, nil, err
		}
		log.Debug("pop backing off", "container", fifoAddress, "agent", agent.Address(), "attempt", attempt)
		RandomSleep(ctx)
	}
}

func popOnce(ctx context.Context, agent *Agent, fifoAddress string) (obj *GenericObject, objLock *ScopedLock, err error) {
	backend := agent.Backend()
	fifo := NewFIFO(backend, fifoAddress)
	fl, err := LockExclusive(ctx, fifo)
	if err != nil {
		return nil, nil, err
	}
	defer fl.Release()
	if err := fifo.Fetch(ctx); err != nil {
		return nil, nil, err
	}

	discarded := 0
	discard := func(addr, reason string) error {
		log.Info("discarding dangling queue entry", "container", fifoAddress, "address", addr, "reason", reason)
		discarded++
		return fifo.Pop()
	}
	// Discards are persisted even when the pass fails or ends empty.
	defer func() {
		if discarded == 0 || (err == nil && obj != nil) {
			return
		}
		if cerr := fifo.Commit(ctx); cerr != nil {
			log.Warn("failed to commit discarded entries", "container", fifoAddress, "error", cerr.Error())
		}
	}()

	for {
		addr, err := fifo.Peek()
		if err != nil {
			return nil, nil, err
		}
		ok, err := backend.Exists(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			if err := discard(addr, "missing"); err != nil {
				return nil, nil, err
			}
			continue
		}

		o := NewGenericObject(backend, addr)
		ol, err := LockExclusiveWithTimeout(ctx, o, agent.ObjectLockTimeout())
		if err != nil {
			switch {
			case errors.Is(err, ErrNotFound):
				if err := discard(addr, "missing"); err != nil {
					return nil, nil, err
				}
				continue
			case errors.Is(err, ErrLockTimeout):
				// Pushes into this queue need its lock, which is held here, so an owner other
				// than the queue in a snapshot cannot change back: the entry is stale.
				stale, serr := staleEntry(ctx, backend, addr, fifoAddress)
				if serr == nil && stale {
					if err := discard(addr, "owned elsewhere"); err != nil {
						return nil, nil, err
					}
					continue
				}
			}
			return nil, nil, err
		}
		if err := o.Fetch(ctx); err != nil {
			ol.Release()
			if errors.Is(err, ErrNotFound) {
				if err := discard(addr, "missing"); err != nil {
					return nil, nil, err
				}
				continue
			}
			return nil, nil, err
		}
		owner, _ := o.Owner()
		if owner != fifoAddress {
			ol.Release()
			if err := discard(addr, "owned by "+owner); err != nil {
				return nil, nil, err
			}
			continue
		}

		if err := agent.AddToOwnershipAndCommit(ctx, addr); err != nil {
			ol.Release()
			return nil, nil, fmt.Errorf("referencing %s in agent %s: %w", addr, agent.Address(), err)
		}
		if err := o.SetOwner(agent.Address()); err != nil {
			ol.Release()
			return nil, nil, err
		}
		if err := o.SetBackupOwner(fifoAddress); err != nil {
			ol.Release()
			return nil, nil, err
		}
		if err := o.Commit(ctx); err != nil {
			ol.Release()
			if rerr := agent.RemoveFromOwnershipAndCommit(ctx, addr); rerr != nil {
				log.Warn("failed to dereference object after failed transfer", "agent", agent.Address(), "address", addr, "error", rerr.Error())
			}
			return nil, nil, err
		}

		if err := fifo.Pop(); err != nil {
			ol.Release()
			return nil, nil, err
		}
		if err := fifo.Commit(ctx); err != nil {
			// The object is the agent's already. The stale entry is discarded by a later pop.
			ol.Release()
			return nil, nil, fmt.Errorf("object %s moved to %s but queue %s not committed: %w", addr, agent.Address(), fifoAddress, err)
		}
		return o, ol, nil
	}
}

func staleEntry(ctx context.Context, backend Backend, addr, fifoAddress string) (bool, error) {
	snap := NewGenericObject(backend, addr)
	if err := snap.FetchNoLock(ctx); err != nil {
		return errors.Is(err, ErrNotFound), err
	}
	owner, err := snap.Owner()
	if err != nil {
		return false, err
	}
	return owner != fifoAddress, nil
}

// PushToContainer moves an object owned by agent into the queue at fifoAddress.
func PushToContainer(ctx context.Context, agent *Agent, fifoAddress, objectAddress string) error {
	obj := NewGenericObject(agent.Backend(), objectAddress)
	ol, err := LockExclusive(ctx, obj)
	if err != nil {
		return err
	}
	defer ol.Release()
	if err := obj.Fetch(ctx); err != nil {
		return err
	}
	fl, err := pushLocked(ctx, agent, fifoAddress, obj)
	ol.Release()
	fl.Release()
	if err != nil {
		return err
	}
	return agent.RemoveFromOwnershipAndCommit(ctx, objectAddress)
}

// PushLockedToContainer is PushToContainer for an object the caller already holds locked
// exclusively and fetched, e.g. right after a pop. The object lock stays held.
func PushLockedToContainer(ctx context.Context, agent *Agent, fifoAddress string, obj *GenericObject) error {
	fl, err := pushLocked(ctx, agent, fifoAddress, obj)
	fl.Release()
	if err != nil {
		return err
	}
	return agent.RemoveFromOwnershipAndCommit(ctx, obj.Address())
}

// pushLocked returns the container lock still held, nil if it was never taken.
func pushLocked(ctx context.Context, agent *Agent, fifoAddress string, obj *GenericObject) (*ScopedLock, error) {
	if obj.LockMode() != Exclusive {
		return nil, NewError(NotLocked, obj.Address(), "push of an object not locked exclusively")
	}
	owner, err := obj.Owner()
	if err != nil {
		return nil, err
	}
	if owner != agent.Address() {
		return nil, Error{Code: AgentDoesNotOwnObject, Err: fmt.Errorf("owner is %q", owner), UserData: obj.Address()}
	}
	fifo := NewFIFO(agent.Backend(), fifoAddress)
	fl, err := LockExclusive(ctx, fifo)
	if err != nil {
		return nil, err
	}
	if err := enqueue(ctx, fifo, obj, false); err != nil {
		return fl, err
	}
	return fl, nil
}

// enqueue references obj in the locked fifo and switches its owner to it.
func enqueue(ctx context.Context, fifo *FIFO, obj *GenericObject, ifNotPresent bool) error {
	if err := fifo.Fetch(ctx); err != nil {
		return err
	}
	if ifNotPresent {
		added, err := fifo.PushIfNotPresent(obj.Address())
		if err != nil {
			return err
		}
		if added {
			if err := fifo.Commit(ctx); err != nil {
				return err
			}
		}
	} else {
		if err := fifo.Push(obj.Address()); err != nil {
			return err
		}
		if err := fifo.Commit(ctx); err != nil {
			return err
		}
	}
	if err := obj.SetOwner(fifo.Address()); err != nil {
		return err
	}
	if err := obj.SetBackupOwner(fifo.Address()); err != nil {
		return err
	}
	return obj.Commit(ctx)
}

// RequeueToContainer reposts a locked and fetched object into the queue at fifoAddress. The
// address is only appended when not already pending, so repeating a repost is harmless.
func RequeueToContainer(ctx context.Context, obj *GenericObject, fifoAddress string) error {
	if obj.LockMode() != Exclusive {
		return NewError(NotLocked, obj.Address(), "requeue of an object not locked exclusively")
	}
	fifo := NewFIFO(obj.Backend(), fifoAddress)
	fl, err := LockExclusive(ctx, fifo)
	if err != nil {
		return err
	}
	defer fl.Release()
	return enqueue(ctx, fifo, obj, true)
}

// Insertable is a freshly initialized object ready to be inserted.
type Insertable interface {
	Address() string
	SetOwner(owner string) error
	Insert(ctx context.Context) error
}

// InsertOwnedObject inserts a new child object owned by agent. The address is referenced in
// the agent ownership list first so the object is never created unreachable. The backup
// owner is left as initialized: a new object has no container yet.
func InsertOwnedObject(ctx context.Context, agent *Agent, obj Insertable) error {
	if err := obj.SetOwner(agent.Address()); err != nil {
		return err
	}
	if err := agent.AddToOwnershipAndCommit(ctx, obj.Address()); err != nil {
		return err
	}
	if err := obj.Insert(ctx); err != nil {
		if rerr := agent.RemoveFromOwnershipAndCommit(ctx, obj.Address()); rerr != nil {
			log.Warn("failed to dereference object after failed insert", "agent", agent.Address(), "address", obj.Address(), "error", rerr.Error())
		}
		return err
	}
	return nil
}
