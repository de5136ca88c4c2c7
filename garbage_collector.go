package objectstore

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"slices"
	"sync"
	"time"
)

// Reclaimer hands an object owned by a dead agent back to where it belongs. obj is locked
// exclusively and fetched, and its owner is the dead agent. Returning an error leaves the
// object in the dead agent ownership list for a later pass or an operator.
type Reclaimer interface {
	Reclaim(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error

func (f ReclaimerFunc) Reclaim(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error {
	return f(ctx, gc, obj, deadAgent)
}

// GarbageCollector finds dead agents and reposts the objects they owned.
type GarbageCollector struct {
	backend      Backend
	agent        *Agent
	router       Router
	concurrency  int
	agentTimeout time.Duration
	clock        func() time.Time

	reclaimersLock sync.RWMutex
	reclaimers     map[ObjectType]Reclaimer

	watchdogs map[string]*AgentWatchdog
}

// NewGarbageCollector creates a collector running as agent, which must be registered so it
// can own the queues it allocates. A nil router means BackupOwnerRouter.
func NewGarbageCollector(agent *Agent, router Router, concurrency int) *GarbageCollector {
	if router == nil {
		router = BackupOwnerRouter{Backend: agent.Backend()}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	gc := &GarbageCollector{
		backend:      agent.Backend(),
		agent:        agent,
		router:       router,
		concurrency:  concurrency,
		agentTimeout: DefaultAgentTimeout,
		clock:        Now,
		watchdogs:    make(map[string]*AgentWatchdog),
	}
	gc.reclaimers = map[ObjectType]Reclaimer{
		TypeWorkItem:      ReclaimerFunc(repostReclaimer),
		TypeFIFO:          ReclaimerFunc(abandonedFIFOReclaimer),
		TypeAgentRegister: ReclaimerFunc(abandonedRegisterReclaimer),
		TypeAgent:         ReclaimerFunc(leaveReclaimer),
		TypeRootEntry:     ReclaimerFunc(leaveReclaimer),
	}
	return gc
}

// SetClock replaces the time source of the watchdogs created from now on.
func (gc *GarbageCollector) SetClock(clock func() time.Time) {
	gc.clock = clock
}

// SetAgentTimeout sets the timeout assumed for agents whose record does not carry one.
func (gc *GarbageCollector) SetAgentTimeout(d time.Duration) {
	gc.agentTimeout = d
}

// SetReclaimer binds a reclaimer to an object type, e.g. an application registered payload.
func (gc *GarbageCollector) SetReclaimer(t ObjectType, r Reclaimer) {
	gc.reclaimersLock.Lock()
	defer gc.reclaimersLock.Unlock()
	gc.reclaimers[t] = r
}

// SetRoutable makes objects of type t reposted through the router like work items.
func (gc *GarbageCollector) SetRoutable(t ObjectType) {
	gc.SetReclaimer(t, ReclaimerFunc(repostReclaimer))
}

func (gc *GarbageCollector) reclaimer(t ObjectType) (Reclaimer, bool) {
	gc.reclaimersLock.RLock()
	defer gc.reclaimersLock.RUnlock()
	r, ok := gc.reclaimers[t]
	return r, ok
}

// Router returns the router used for reposts.
func (gc *GarbageCollector) Router() Router {
	return gc.router
}

// Agent returns the agent the collector runs as.
func (gc *GarbageCollector) Agent() *Agent {
	return gc.agent
}

// Run calls RunOnePass every interval until ctx is done.
func (gc *GarbageCollector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := gc.RunOnePass(ctx); err != nil && ctx.Err() == nil {
			log.Error("garbage collection pass failed", "agent", gc.agent.Address(), "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnePass checks every tracked agent, untracks the dead ones and reclaims all untracked
// agents, including those left half reclaimed by an earlier pass.
func (gc *GarbageCollector) RunOnePass(ctx context.Context) error {
	regAddr, err := readAgentRegisterAddress(ctx, gc.backend)
	if err != nil {
		return fmt.Errorf("reading agent register address: %w", err)
	}
	tracked, untracked, err := gc.readRegister(ctx, regAddr)
	if err != nil {
		return err
	}

	dead := gc.checkAgents(ctx, tracked)
	if len(dead) > 0 {
		moved, err := gc.untrackAgents(ctx, regAddr, dead)
		if err != nil {
			return err
		}
		untracked = append(untracked, moved...)
	}
	if len(untracked) == 0 {
		return nil
	}

	var mu sync.Mutex
	var errs []error
	tr := NewTaskRunner(ctx, gc.concurrency)
	for _, addr := range untracked {
		tr.Go(func() error {
			if err := gc.ReclaimAgent(tr.GetContext(), regAddr, addr); err != nil {
				log.Error("agent reclamation incomplete", "agent", addr, "error", err.Error())
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = tr.Wait()
	return errors.Join(errs...)
}

func (gc *GarbageCollector) readRegister(ctx context.Context, regAddr string) (tracked, untracked []string, err error) {
	reg := NewAgentRegister(gc.backend, regAddr)
	l, err := LockShared(ctx, reg)
	if err != nil {
		return nil, nil, err
	}
	defer l.Release()
	if err := reg.Fetch(ctx); err != nil {
		return nil, nil, err
	}
	if tracked, err = reg.TrackedAgents(); err != nil {
		return nil, nil, err
	}
	untracked, err = reg.UntrackedAgents()
	return tracked, untracked, err
}

// checkAgents syncs the watchdogs with the tracked agents and returns those found dead.
func (gc *GarbageCollector) checkAgents(ctx context.Context, tracked []string) []string {
	for addr := range gc.watchdogs {
		if !slices.Contains(tracked, addr) {
			delete(gc.watchdogs, addr)
		}
	}
	var dead []string
	for _, addr := range tracked {
		if addr == gc.agent.Address() {
			continue
		}
		w, ok := gc.watchdogs[addr]
		if !ok {
			nw, err := NewAgentWatchdog(ctx, gc.backend, addr, gc.agentTimeout, gc.clock)
			if err != nil {
				log.Warn("cannot watch agent", "agent", addr, "error", err.Error())
				continue
			}
			gc.watchdogs[addr] = nw
			log.Debug("watching agent", "agent", addr)
			continue
		}
		alive, err := w.CheckAlive(ctx)
		if err != nil {
			log.Warn("agent check failed", "agent", addr, "error", err.Error())
			continue
		}
		if !alive {
			log.Info("agent declared dead", "agent", addr)
			dead = append(dead, addr)
		}
	}
	return dead
}

func (gc *GarbageCollector) untrackAgents(ctx context.Context, regAddr string, dead []string) ([]string, error) {
	reg := NewAgentRegister(gc.backend, regAddr)
	l, err := LockExclusive(ctx, reg)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	if err := reg.Fetch(ctx); err != nil {
		return nil, err
	}
	var moved []string
	for _, addr := range dead {
		if err := reg.UntrackAgent(addr); err != nil {
			// Already untracked or gone in the meantime.
			log.Debug("agent not untracked", "agent", addr, "error", err.Error())
			continue
		}
		moved = append(moved, addr)
		delete(gc.watchdogs, addr)
	}
	if len(moved) == 0 {
		return nil, nil
	}
	if err := reg.Commit(ctx); err != nil {
		return nil, err
	}
	return moved, nil
}

// ReclaimAgent empties the ownership list of a dead agent, then deletes and unregisters it.
// Objects that cannot be reclaimed stay listed and keep the agent around.
func (gc *GarbageCollector) ReclaimAgent(ctx context.Context, regAddr, deadAgent string) error {
	dead := AgentView(gc.backend, deadAgent)
	owned, err := dead.FetchOwnershipList(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Info("dead agent has no record, unregistering", "agent", deadAgent)
			return removeFromRegister(ctx, gc.backend, regAddr, deadAgent)
		}
		return err
	}

	var done []string
	var failed int
	for _, addr := range owned {
		if err := gc.reclaimObject(ctx, deadAgent, addr); err != nil {
			log.Error("object left with dead agent", "agent", deadAgent, "address", addr, "error", err.Error())
			failed++
			continue
		}
		done = append(done, addr)
	}
	if len(done) > 0 {
		if err := dead.RemoveBatchFromOwnershipAndCommit(ctx, done); err != nil {
			return err
		}
	}
	if failed > 0 {
		return Error{Code: StillOwnsObjects, Err: fmt.Errorf("%d objects could not be reclaimed", failed), UserData: deadAgent}
	}

	if err := gc.removeDeadAgent(ctx, dead); err != nil {
		return err
	}
	log.Info("agent reclaimed", "agent", deadAgent, "objects", len(done))
	return removeFromRegister(ctx, gc.backend, regAddr, deadAgent)
}

func (gc *GarbageCollector) removeDeadAgent(ctx context.Context, dead *Agent) error {
	v := dead.view()
	l, err := LockExclusive(ctx, v)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	defer l.Release()
	if err := v.Fetch(ctx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	owned, err := v.OwnershipList()
	if err != nil {
		return err
	}
	if len(owned) > 0 {
		// Picked something up after its ownership list was read.
		return Error{Code: StillOwnsObjects, Err: fmt.Errorf("agent owns %d new objects", len(owned)), UserData: dead.Address()}
	}
	return v.Remove(ctx)
}

// reclaimObject returns nil when addr can be dropped from the dead agent ownership list.
func (gc *GarbageCollector) reclaimObject(ctx context.Context, deadAgent, addr string) error {
	obj := NewGenericObject(gc.backend, addr)
	ok, err := obj.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("owned object does not exist, dropping", "agent", deadAgent, "address", addr)
		return nil
	}
	l, err := LockExclusive(ctx, obj)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	defer l.Release()
	if err := obj.Fetch(ctx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	owner, err := obj.Owner()
	if err != nil {
		return err
	}
	if owner != deadAgent {
		log.Debug("owned object already moved on", "agent", deadAgent, "address", addr, "owner", owner)
		return nil
	}
	r, ok := gc.reclaimer(obj.Type())
	if !ok {
		return NewError(Unroutable, addr, "no reclaimer for type %s", obj.Type())
	}
	return r.Reclaim(ctx, gc, obj, deadAgent)
}

func repostReclaimer(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error {
	rec, err := obj.Record()
	if err != nil {
		return err
	}
	container, err := gc.router.Route(ctx, rec)
	if err != nil {
		return err
	}
	if err := RequeueToContainer(ctx, obj, container); err != nil {
		return fmt.Errorf("reposting to %s: %w", container, err)
	}
	log.Info("object reposted", "agent", deadAgent, "address", obj.Address(), "container", container)
	return nil
}

// abandonedFIFOReclaimer handles a queue whose allocation was cut short: an empty one is
// removed, a queue with entries is handed to its backup owner.
func abandonedFIFOReclaimer(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error {
	p, err := obj.Payload()
	if err != nil {
		return err
	}
	fp, ok := p.(*FIFOPayload)
	if !ok {
		return NewError(TypeMismatch, obj.Address(), "payload %T is not a queue", p)
	}
	if fp.Size() == 0 {
		log.Info("removing abandoned queue", "agent", deadAgent, "address", obj.Address())
		return obj.Remove(ctx)
	}
	backup, err := obj.BackupOwner()
	if err != nil {
		return err
	}
	if backup == "" || backup == deadAgent {
		return NewError(Unroutable, obj.Address(), "abandoned queue holds %d entries and has no backup owner", fp.Size())
	}
	if err := obj.SetOwner(backup); err != nil {
		return err
	}
	log.Info("abandoned queue handed to backup owner", "agent", deadAgent, "address", obj.Address(), "owner", backup)
	return obj.Commit(ctx)
}

func abandonedRegisterReclaimer(ctx context.Context, gc *GarbageCollector, obj *GenericObject, deadAgent string) error {
	p, err := obj.Payload()
	if err != nil {
		return err
	}
	rp, ok := p.(*AgentRegisterPayload)
	if !ok {
		return NewError(TypeMismatch, obj.Address(), "payload %T is not an agent register", p)
	}
	if len(rp.Agents) > 0 || len(rp.UntrackedAgents) > 0 {
		return NewError(NotEmpty, obj.Address(), "abandoned agent register still lists agents")
	}
	log.Info("removing abandoned agent register", "agent", deadAgent, "address", obj.Address())
	return obj.Remove(ctx)
}

func leaveReclaimer(_ context.Context, _ *GarbageCollector, obj *GenericObject, deadAgent string) error {
	return NewError(Unroutable, obj.Address(), "%s objects are not reclaimed automatically", obj.Type())
}
