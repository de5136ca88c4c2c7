package objectstore

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"
)

// DefaultAgentTimeout is used for agents registered without an explicit timeout.
const DefaultAgentTimeout = 5 * time.Minute

// DefaultObjectLockTimeout bounds the object lock wait of a pop.
const DefaultObjectLockTimeout = 5 * time.Second

// AgentPayload is the persisted part of an agent.
type AgentPayload struct {
	Heartbeat   uint64        `json:"heartbeat"`
	Timeout     time.Duration `json:"timeout"`
	Description string        `json:"description"`
	Ownership   []string      `json:"ownership"`
	CreationLog CreationLog   `json:"creationLog"`
}

func (*AgentPayload) ObjectType() ObjectType { return TypeAgent }

// Agent is the ownership tracking record of one live worker.
type Agent struct {
	StoredObject[*AgentPayload]
	children          *atomic.Uint64
	objectLockTimeout time.Duration
}

var agentSequence atomic.Uint64

// NewAgent names a new agent of the given type after this process. The agent exists in
// memory only until InsertAndRegisterSelf.
func NewAgent(backend Backend, typeName string) *Agent {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	addr := fmt.Sprintf("%s-%s-%d-%s-%d", typeName, host, os.Getpid(),
		Now().Format("20060102-15:04:05"), agentSequence.Add(1))
	return AgentView(backend, addr)
}

// AgentView returns an unloaded view of an existing agent, e.g. one being watched or reclaimed.
func AgentView(backend Backend, address string) *Agent {
	return &Agent{
		StoredObject:      *NewStoredObject[*AgentPayload](backend, address, TypeAgent),
		children:          &atomic.Uint64{},
		objectLockTimeout: DefaultObjectLockTimeout,
	}
}

// view returns a fresh, unlocked view sharing the child counter.
func (a *Agent) view() *Agent {
	v := &Agent{
		StoredObject:      *NewStoredObject[*AgentPayload](a.backend, a.address, TypeAgent),
		children:          a.children,
		objectLockTimeout: a.objectLockTimeout,
	}
	v.codec = a.codec
	return v
}

// NextChildID returns a new address for an object created by this agent.
func (a *Agent) NextChildID(typeName string) string {
	return fmt.Sprintf("%s-%s-%d", typeName, a.address, a.children.Add(1))
}

// SetObjectLockTimeout bounds how long a pop by this agent waits on an object lock.
func (a *Agent) SetObjectLockTimeout(d time.Duration) {
	a.objectLockTimeout = d
}

// ObjectLockTimeout is how long a pop by this agent waits on an object lock.
func (a *Agent) ObjectLockTimeout() time.Duration {
	return a.objectLockTimeout
}

func (a *Agent) AddToOwnership(addr string) error {
	p, err := a.MutablePayload()
	if err != nil {
		return err
	}
	if !slices.Contains(p.Ownership, addr) {
		p.Ownership = append(p.Ownership, addr)
	}
	return nil
}

func (a *Agent) RemoveFromOwnership(addr string) error {
	return a.RemoveBatchFromOwnership([]string{addr})
}

// RemoveBatchFromOwnership drops all of addrs from the ownership list.
func (a *Agent) RemoveBatchFromOwnership(addrs []string) error {
	p, err := a.MutablePayload()
	if err != nil {
		return err
	}
	p.Ownership = slices.DeleteFunc(p.Ownership, func(o string) bool {
		return slices.Contains(addrs, o)
	})
	return nil
}

func (a *Agent) OwnershipList() ([]string, error) {
	p, err := a.Payload()
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.Ownership), nil
}

func (a *Agent) BumpHeartbeat() error {
	p, err := a.MutablePayload()
	if err != nil {
		return err
	}
	p.Heartbeat++
	return nil
}

func (a *Agent) HeartbeatCount() (uint64, error) {
	p, err := a.Payload()
	if err != nil {
		return 0, err
	}
	return p.Heartbeat, nil
}

func (a *Agent) Timeout() (time.Duration, error) {
	p, err := a.Payload()
	if err != nil {
		return 0, err
	}
	return p.Timeout, nil
}

func (a *Agent) SetTimeout(d time.Duration) error {
	p, err := a.MutablePayload()
	if err != nil {
		return err
	}
	p.Timeout = d
	return nil
}

func (a *Agent) Description() (string, error) {
	p, err := a.Payload()
	if err != nil {
		return "", err
	}
	return p.Description, nil
}

func (a *Agent) SetDescription(d string) error {
	p, err := a.MutablePayload()
	if err != nil {
		return err
	}
	p.Description = d
	return nil
}

// update locks a fresh view of the agent record, applies f and commits.
func (a *Agent) update(ctx context.Context, f func(v *Agent) error) error {
	v := a.view()
	l, err := LockExclusive(ctx, v)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := v.Fetch(ctx); err != nil {
		return err
	}
	if err := f(v); err != nil {
		return err
	}
	return v.Commit(ctx)
}

// read locks a fresh view of the agent record for reading and hands it to f.
func (a *Agent) read(ctx context.Context, f func(v *Agent) error) error {
	v := a.view()
	l, err := LockShared(ctx, v)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := v.Fetch(ctx); err != nil {
		return err
	}
	return f(v)
}

func (a *Agent) AddToOwnershipAndCommit(ctx context.Context, addr string) error {
	return a.update(ctx, func(v *Agent) error { return v.AddToOwnership(addr) })
}

func (a *Agent) RemoveFromOwnershipAndCommit(ctx context.Context, addr string) error {
	return a.update(ctx, func(v *Agent) error { return v.RemoveFromOwnership(addr) })
}

func (a *Agent) RemoveBatchFromOwnershipAndCommit(ctx context.Context, addrs []string) error {
	return a.update(ctx, func(v *Agent) error { return v.RemoveBatchFromOwnership(addrs) })
}

func (a *Agent) HeartbeatAndCommit(ctx context.Context) error {
	return a.update(ctx, func(v *Agent) error { return v.BumpHeartbeat() })
}

// FetchOwnershipList reads the ownership list under a shared lock.
func (a *Agent) FetchOwnershipList(ctx context.Context) ([]string, error) {
	var r []string
	err := a.read(ctx, func(v *Agent) error {
		var err error
		r, err = v.OwnershipList()
		return err
	})
	return r, err
}

// Heartbeat bumps the heartbeat counter every interval until ctx is done.
func (a *Agent) Heartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.HeartbeatAndCommit(ctx); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "agent", a.address, "error", err.Error())
			}
		}
	}
}

// InsertAndRegisterSelf makes the agent known: registered first, record inserted last, so an
// interruption never leaves a record nobody points at.
func (a *Agent) InsertAndRegisterSelf(ctx context.Context, description string, timeout time.Duration) error {
	regAddr, err := readAgentRegisterAddress(ctx, a.backend)
	if err != nil {
		return err
	}
	reg := NewAgentRegister(a.backend, regAddr)
	if err := func() error {
		l, err := LockExclusive(ctx, reg)
		if err != nil {
			return err
		}
		defer l.Release()
		if err := reg.Fetch(ctx); err != nil {
			return err
		}
		if err := reg.AddAgent(a.address); err != nil {
			return err
		}
		return reg.Commit(ctx)
	}(); err != nil {
		return fmt.Errorf("registering agent %s: %w", a.address, err)
	}

	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	v := a.view()
	if err := v.StoredObject.Initialize(&AgentPayload{
		Timeout:     timeout,
		Description: description,
		CreationLog: NewCreationLog(),
	}); err != nil {
		return err
	}
	v.owner = regAddr
	v.backup = regAddr
	if err := v.Insert(ctx); err != nil {
		return fmt.Errorf("inserting agent %s: %w", a.address, err)
	}
	log.Debug("agent registered", "agent", a.address, "register", regAddr)
	return nil
}

// RemoveAndUnregisterSelf deletes the agent record and drops it from the register. It fails
// with ErrStillOwnsObjects while the ownership list is not empty.
func (a *Agent) RemoveAndUnregisterSelf(ctx context.Context) error {
	regAddr, err := readAgentRegisterAddress(ctx, a.backend)
	if err != nil {
		return err
	}
	if err := func() error {
		v := a.view()
		l, err := LockExclusive(ctx, v)
		if err != nil {
			return err
		}
		defer l.Release()
		if err := v.Fetch(ctx); err != nil {
			return err
		}
		owned, err := v.OwnershipList()
		if err != nil {
			return err
		}
		if len(owned) > 0 {
			return Error{Code: StillOwnsObjects, Err: fmt.Errorf("agent owns %d objects", len(owned)), UserData: a.address}
		}
		return v.Remove(ctx)
	}(); err != nil {
		return err
	}
	return removeFromRegister(ctx, a.backend, regAddr, a.address)
}

func removeFromRegister(ctx context.Context, backend Backend, regAddr, agentAddr string) error {
	reg := NewAgentRegister(backend, regAddr)
	l, err := LockExclusive(ctx, reg)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := reg.Fetch(ctx); err != nil {
		return err
	}
	if err := reg.RemoveAgent(agentAddr); err != nil {
		return err
	}
	return reg.Commit(ctx)
}
