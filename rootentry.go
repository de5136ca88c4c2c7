package objectstore

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"maps"
	"os"
	"os/user"
	"slices"
	"time"
)

// RootEntryAddress is the fixed address of the bootstrap record.
const RootEntryAddress = "root"

const fifoLookupRetries = 5

// CreationLog tells who allocated an object and when.
type CreationLog struct {
	Username string    `json:"username"`
	Host     string    `json:"host"`
	Time     time.Time `json:"time"`
}

// NewCreationLog stamps the current process user and host.
func NewCreationLog() CreationLog {
	cl := CreationLog{Time: Now().UTC()}
	if u, err := user.Current(); err == nil {
		cl.Username = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		cl.Host = h
	}
	return cl
}

// Pointer is a reference from the root entry to a singleton or a named container.
type Pointer struct {
	Address string      `json:"address"`
	Log     CreationLog `json:"log"`
}

// RootEntryPayload holds the optional pointers to global objects.
type RootEntryPayload struct {
	AgentRegister *Pointer           `json:"agentRegister,omitempty"`
	FIFOs         map[string]Pointer `json:"fifos,omitempty"`
}

func (*RootEntryPayload) ObjectType() ObjectType { return TypeRootEntry }

// RootEntry is the bootstrap record, created once per store.
type RootEntry struct {
	StoredObject[*RootEntryPayload]
}

func NewRootEntry(backend Backend) *RootEntry {
	return &RootEntry{StoredObject: *NewStoredObject[*RootEntryPayload](backend, RootEntryAddress, TypeRootEntry)}
}

// Initialize prepares an empty root entry for Insert.
func (r *RootEntry) Initialize() error {
	return r.StoredObject.Initialize(&RootEntryPayload{})
}

// AgentRegisterAddress fails with ErrNotAllocated until the register was created.
func (r *RootEntry) AgentRegisterAddress() (string, error) {
	p, err := r.Payload()
	if err != nil {
		return "", err
	}
	if p.AgentRegister == nil {
		return "", ErrNotAllocated
	}
	return p.AgentRegister.Address, nil
}

// AddOrGetAgentRegisterPointerAndCommit returns the register address, creating the register
// first if needed. The root entry must be locked exclusively and fetched. namer only
// provides the new address and need not be registered.
func (r *RootEntry) AddOrGetAgentRegisterPointerAndCommit(ctx context.Context, namer *Agent) (string, error) {
	if addr, err := r.AgentRegisterAddress(); err == nil {
		return addr, nil
	} else if !errors.Is(err, ErrNotAllocated) {
		return "", err
	}
	p, err := r.MutablePayload()
	if err != nil {
		return "", err
	}
	addr := namer.NextChildID(string(TypeAgentRegister))
	reg := NewAgentRegister(r.backend, addr)
	if err := reg.Initialize(r.address); err != nil {
		return "", err
	}
	if err := reg.Insert(ctx); err != nil {
		return "", err
	}
	p.AgentRegister = &Pointer{Address: addr, Log: NewCreationLog()}
	if err := r.Commit(ctx); err != nil {
		return "", err
	}
	log.Info("agent register allocated", "address", addr)
	return addr, nil
}

// RemoveAgentRegisterAndCommit deletes the register, which must be empty. The root entry
// must be locked exclusively and fetched.
func (r *RootEntry) RemoveAgentRegisterAndCommit(ctx context.Context) error {
	addr, err := r.AgentRegisterAddress()
	if err != nil {
		return err
	}
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	reg := NewAgentRegister(r.backend, addr)
	l, err := LockExclusive(ctx, reg)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		defer l.Release()
		if err := reg.Fetch(ctx); err != nil {
			return err
		}
		empty, err := reg.IsEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return NewError(NotEmpty, addr, "agent register still lists agents")
		}
		if err := reg.Remove(ctx); err != nil {
			return err
		}
	}
	p.AgentRegister = nil
	return r.Commit(ctx)
}

// FIFOAddress fails with ErrNotAllocated when no queue of that name is referenced.
func (r *RootEntry) FIFOAddress(name string) (string, error) {
	p, err := r.Payload()
	if err != nil {
		return "", err
	}
	ptr, ok := p.FIFOs[name]
	if !ok {
		return "", Error{Code: NotAllocated, Err: fmt.Errorf("no queue named %q", name), UserData: name}
	}
	return ptr.Address, nil
}

// FIFOs returns the referenced queues by name.
func (r *RootEntry) FIFOs() (map[string]Pointer, error) {
	p, err := r.Payload()
	if err != nil {
		return nil, err
	}
	return maps.Clone(p.FIFOs), nil
}

// AddOrGetFIFOAndCommit returns the address of the named queue, allocating it if needed. The
// root entry must be locked exclusively and fetched. The new queue is owned by agent until it
// is referenced, so a crash in between leaves it to the garbage collector.
func (r *RootEntry) AddOrGetFIFOAndCommit(ctx context.Context, agent *Agent, name string) (string, error) {
	if addr, err := r.FIFOAddress(name); err == nil {
		return addr, nil
	} else if !errors.Is(err, ErrNotAllocated) {
		return "", err
	}
	p, err := r.MutablePayload()
	if err != nil {
		return "", err
	}
	addr := agent.NextChildID(string(TypeFIFO) + "-" + name)
	if err := agent.AddToOwnershipAndCommit(ctx, addr); err != nil {
		return "", err
	}
	fifo := NewFIFO(r.backend, addr)
	if err := fifo.Initialize(name, agent.Address(), r.address); err != nil {
		return "", err
	}
	if err := fifo.Insert(ctx); err != nil {
		return "", err
	}
	if p.FIFOs == nil {
		p.FIFOs = make(map[string]Pointer)
	}
	p.FIFOs[name] = Pointer{Address: addr, Log: NewCreationLog()}
	if err := r.Commit(ctx); err != nil {
		return "", err
	}
	if err := switchOwner(ctx, fifo, r.address); err != nil {
		return "", err
	}
	if err := agent.RemoveFromOwnershipAndCommit(ctx, addr); err != nil {
		return "", err
	}
	log.Info("queue allocated", "name", name, "address", addr)
	return addr, nil
}

func switchOwner(ctx context.Context, obj *FIFO, owner string) error {
	l, err := LockExclusive(ctx, obj)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := obj.Fetch(ctx); err != nil {
		return err
	}
	if err := obj.SetOwner(owner); err != nil {
		return err
	}
	return obj.Commit(ctx)
}

// RemoveFIFOAndCommit deletes an empty queue and its reference. The root entry must be
// locked exclusively and fetched.
func (r *RootEntry) RemoveFIFOAndCommit(ctx context.Context, name string) error {
	addr, err := r.FIFOAddress(name)
	if err != nil {
		return err
	}
	fifo := NewFIFO(r.backend, addr)
	l, err := LockExclusive(ctx, fifo)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		defer l.Release()
		if err := fifo.Fetch(ctx); err != nil {
			return err
		}
		size, err := fifo.Size()
		if err != nil {
			return err
		}
		if size > 0 {
			return NewError(NotEmpty, addr, "queue %q holds %d entries", name, size)
		}
		if err := fifo.Remove(ctx); err != nil {
			return err
		}
	}
	return r.ForgetFIFOAndCommit(ctx, name)
}

// ForgetFIFOAndCommit drops the reference to a queue without touching the queue itself.
func (r *RootEntry) ForgetFIFOAndCommit(ctx context.Context, name string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	if _, ok := p.FIFOs[name]; !ok {
		return nil
	}
	delete(p.FIFOs, name)
	return r.Commit(ctx)
}

// ReferenceFIFOAndCommit points name at an existing queue, used by repairs.
func (r *RootEntry) ReferenceFIFOAndCommit(ctx context.Context, name, addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	if p.FIFOs == nil {
		p.FIFOs = make(map[string]Pointer)
	}
	if cur, ok := p.FIFOs[name]; ok && cur.Address != addr {
		return NewError(AlreadyExists, name, "name already points at %s", cur.Address)
	}
	p.FIFOs[name] = Pointer{Address: addr, Log: NewCreationLog()}
	return r.Commit(ctx)
}

// ReferenceAgentRegisterAndCommit points the root entry at an existing register, used by repairs.
func (r *RootEntry) ReferenceAgentRegisterAndCommit(ctx context.Context, addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	if p.AgentRegister != nil {
		return NewError(AlreadyExists, p.AgentRegister.Address, "agent register already allocated")
	}
	p.AgentRegister = &Pointer{Address: addr, Log: NewCreationLog()}
	return r.Commit(ctx)
}

// RemoveIfEmpty deletes the root entry once it references nothing.
func (r *RootEntry) RemoveIfEmpty(ctx context.Context) error {
	p, err := r.Payload()
	if err != nil {
		return err
	}
	if p.AgentRegister != nil || len(p.FIFOs) > 0 {
		return NewError(NotEmpty, r.address, "root entry still references objects")
	}
	return r.Remove(ctx)
}

func readAgentRegisterAddress(ctx context.Context, backend Backend) (string, error) {
	re := NewRootEntry(backend)
	l, err := LockShared(ctx, re)
	if err != nil {
		return "", err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return "", err
	}
	return re.AgentRegisterAddress()
}

// AllocateOrGetFIFO returns the address of the named queue, allocating it on first use.
func AllocateOrGetFIFO(ctx context.Context, agent *Agent, name string) (string, error) {
	re := NewRootEntry(agent.Backend())
	addr, err := func() (string, error) {
		l, err := LockShared(ctx, re)
		if err != nil {
			return "", err
		}
		defer l.Release()
		if err := re.Fetch(ctx); err != nil {
			return "", err
		}
		return re.FIFOAddress(name)
	}()
	if err == nil || !errors.Is(err, ErrNotAllocated) {
		return addr, err
	}
	l, err := LockExclusive(ctx, re)
	if err != nil {
		return "", err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return "", err
	}
	return re.AddOrGetFIFOAndCommit(ctx, agent, name)
}

// LockedAndFetchedFIFO returns the named queue exclusively locked and fetched, allocating it
// if needed. A queue that vanished between lookup and lock is dereferenced and allocated again.
func LockedAndFetchedFIFO(ctx context.Context, agent *Agent, name string) (*FIFO, *ScopedLock, error) {
	var lastErr error
	for i := 0; i < fifoLookupRetries; i++ {
		addr, err := AllocateOrGetFIFO(ctx, agent, name)
		if err != nil {
			return nil, nil, err
		}
		fifo := NewFIFO(agent.Backend(), addr)
		l, err := LockExclusive(ctx, fifo)
		if err == nil {
			if err = fifo.Fetch(ctx); err == nil {
				return fifo, l, nil
			}
			l.Release()
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		lastErr = err
		log.Warn("queue vanished, dereferencing", "name", name, "address", addr)
		if err := forgetVanishedFIFO(ctx, agent.Backend(), name, addr); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("queue %q could not be locked after %d attempts: %w", name, fifoLookupRetries, lastErr)
}

func forgetVanishedFIFO(ctx context.Context, backend Backend, name, addr string) error {
	re := NewRootEntry(backend)
	l, err := LockExclusive(ctx, re)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return err
	}
	cur, err := re.FIFOAddress(name)
	if err != nil || cur != addr {
		// Someone else already fixed it.
		return nil
	}
	if ok, err := backend.Exists(ctx, addr); err != nil || ok {
		return err
	}
	return re.ForgetFIFOAndCommit(ctx, name)
}

// FIFONames returns the sorted names of all referenced queues.
func FIFONames(ctx context.Context, backend Backend) ([]string, error) {
	re := NewRootEntry(backend)
	l, err := LockShared(ctx, re)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return nil, err
	}
	fifos, err := re.FIFOs()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(fifos)), nil
}
