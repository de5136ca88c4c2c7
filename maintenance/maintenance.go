// Package maintenance holds the operator repairs of an object store. Each one locks the root
// entry, then the agent register, then agents, and performs one bounded action.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"maps"
	"slices"

	"github.com/sharedcode/objectstore"
)

// AdminAgentType names the unregistered agent used to derive addresses of objects created by
// maintenance.
const AdminAgentType = "objectstore-admin"

// InitializeStore creates the root entry and the agent register if they are missing, and
// returns the register address.
func InitializeStore(ctx context.Context, backend objectstore.Backend) (string, error) {
	re := objectstore.NewRootEntry(backend)
	if err := re.Initialize(); err != nil {
		return "", err
	}
	if err := re.Insert(ctx); err != nil && !errors.Is(err, objectstore.ErrAlreadyExists) {
		return "", fmt.Errorf("creating root entry: %w", err)
	} else if err == nil {
		log.Info("root entry created", "backend", backend.Params())
	}

	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		return "", err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return "", err
	}
	return re.AddOrGetAgentRegisterPointerAndCommit(ctx, objectstore.NewAgent(backend, AdminAgentType))
}

// RepairMissingFIFOReferences drops root entry references to queues that no longer exist and
// returns the dropped queue names.
func RepairMissingFIFOReferences(ctx context.Context, backend objectstore.Backend) ([]string, error) {
	re := objectstore.NewRootEntry(backend)
	l, err := objectstore.LockExclusive(ctx, re)
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
	var dropped []string
	for name, p := range fifos {
		ok, err := backend.Exists(ctx, p.Address)
		if err != nil {
			return dropped, err
		}
		if ok {
			continue
		}
		if err := re.ForgetFIFOAndCommit(ctx, name); err != nil {
			return dropped, err
		}
		log.Warn("dropped reference to missing queue", "name", name, "address", p.Address)
		dropped = append(dropped, name)
	}
	slices.Sort(dropped)
	return dropped, nil
}

// UntrackAgent marks a tracked agent for reclamation by the next garbage collector pass.
func UntrackAgent(ctx context.Context, backend objectstore.Backend, agentAddress string) error {
	re := objectstore.NewRootEntry(backend)
	rl, err := objectstore.LockShared(ctx, re)
	if err != nil {
		return err
	}
	defer rl.Release()
	if err := re.Fetch(ctx); err != nil {
		return err
	}
	regAddr, err := re.AgentRegisterAddress()
	if err != nil {
		return err
	}
	reg := objectstore.NewAgentRegister(backend, regAddr)
	gl, err := objectstore.LockExclusive(ctx, reg)
	if err != nil {
		return err
	}
	defer gl.Release()
	if err := reg.Fetch(ctx); err != nil {
		return err
	}
	if err := reg.UntrackAgent(agentAddress); err != nil {
		return err
	}
	if err := reg.Commit(ctx); err != nil {
		return err
	}
	log.Info("agent untracked", "agent", agentAddress)
	return nil
}

// RemoveQueue deletes the named queue and its root entry reference. The queue must be empty.
func RemoveQueue(ctx context.Context, backend objectstore.Backend, name string) error {
	re := objectstore.NewRootEntry(backend)
	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return err
	}
	if err := re.RemoveFIFOAndCommit(ctx, name); err != nil {
		return err
	}
	log.Info("queue removed", "name", name)
	return nil
}

// RemoveStore deletes the agent register and the root entry. It fails with ErrNotEmpty while
// queues are referenced or agents are registered, and leaves the store untouched then.
func RemoveStore(ctx context.Context, backend objectstore.Backend) error {
	re := objectstore.NewRootEntry(backend)
	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		return err
	}
	fifos, err := re.FIFOs()
	if err != nil {
		return err
	}
	if len(fifos) > 0 {
		return objectstore.NewError(objectstore.NotEmpty, objectstore.RootEntryAddress, "%d queue(s) still referenced", len(fifos))
	}
	if _, err := re.AgentRegisterAddress(); err == nil {
		if err := re.RemoveAgentRegisterAndCommit(ctx); err != nil {
			return err
		}
	} else if !errors.Is(err, objectstore.ErrNotAllocated) {
		return err
	}
	if err := re.RemoveIfEmpty(ctx); err != nil {
		return err
	}
	log.Info("store removed", "backend", backend.Params())
	return nil
}

// IndexReport lists what RecreateMissingIndexes put back.
type IndexReport struct {
	// AgentRegister is set when a root owned register was referenced again.
	AgentRegister string
	// Agents were found in storage but not in the register, and were added as untracked.
	Agents []string
	// FIFOs maps queue names to the root owned queues referenced again.
	FIFOs map[string]string
}

// RecreateMissingIndexes scans every stored object and re-references what the indexes lost:
// a root owned agent register when the root entry has none, agents missing from the register
// (added as untracked so the collector reclaims them) and root owned queues missing from the
// root entry.
func RecreateMissingIndexes(ctx context.Context, backend objectstore.Backend) (IndexReport, error) {
	report := IndexReport{FIFOs: map[string]string{}}
	keys, err := backend.List(ctx)
	if err != nil {
		return report, err
	}
	var agents, registers []string
	queues := map[string]string{}
	for _, k := range keys {
		obj := objectstore.NewGenericObject(backend, k)
		if err := obj.FetchNoLock(ctx); err != nil {
			if !errors.Is(err, objectstore.ErrNotFound) {
				log.Warn("skipping unreadable object", "address", k, "error", err.Error())
			}
			continue
		}
		owner, _ := obj.Owner()
		switch obj.Type() {
		case objectstore.TypeAgent:
			agents = append(agents, k)
		case objectstore.TypeAgentRegister:
			if owner == objectstore.RootEntryAddress {
				registers = append(registers, k)
			}
		case objectstore.TypeFIFO:
			if owner != objectstore.RootEntryAddress {
				continue
			}
			p, _ := obj.Payload()
			if fp, ok := p.(*objectstore.FIFOPayload); ok && fp.Name != "" {
				queues[k] = fp.Name
			}
		}
	}

	re := objectstore.NewRootEntry(backend)
	rl, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		return report, err
	}
	defer rl.Release()
	if err := re.Fetch(ctx); err != nil {
		return report, err
	}

	known, err := re.FIFOs()
	if err != nil {
		return report, err
	}
	referenced := map[string]bool{}
	for _, p := range known {
		referenced[p.Address] = true
	}
	for _, addr := range slices.Sorted(maps.Keys(queues)) {
		if referenced[addr] {
			continue
		}
		name := queues[addr]
		if err := re.ReferenceFIFOAndCommit(ctx, name, addr); err != nil {
			log.Warn("queue not re-referenced", "name", name, "address", addr, "error", err.Error())
			continue
		}
		report.FIFOs[name] = addr
	}

	regAddr, err := re.AgentRegisterAddress()
	if errors.Is(err, objectstore.ErrNotAllocated) {
		if len(registers) == 0 {
			if len(agents) > 0 {
				log.Warn("agents found but no agent register, run init first", "agents", len(agents))
			}
			return report, nil
		}
		slices.Sort(registers)
		regAddr = registers[0]
		if err := re.ReferenceAgentRegisterAndCommit(ctx, regAddr); err != nil {
			return report, err
		}
		report.AgentRegister = regAddr
	} else if err != nil {
		return report, err
	}

	reg := objectstore.NewAgentRegister(backend, regAddr)
	gl, err := objectstore.LockExclusive(ctx, reg)
	if err != nil {
		return report, err
	}
	defer gl.Release()
	if err := reg.Fetch(ctx); err != nil {
		return report, err
	}
	listed, err := reg.Agents()
	if err != nil {
		return report, err
	}
	for _, a := range agents {
		if slices.Contains(listed, a) {
			continue
		}
		if err := reg.AddAgent(a); err != nil {
			return report, err
		}
		if err := reg.UntrackAgent(a); err != nil {
			return report, err
		}
		report.Agents = append(report.Agents, a)
	}
	if len(report.Agents) > 0 {
		if err := reg.Commit(ctx); err != nil {
			return report, err
		}
		log.Info("unregistered agents added as untracked", "agents", report.Agents)
	}
	return report, nil
}

// DumpObject renders one object, read under a shared lock.
func DumpObject(ctx context.Context, backend objectstore.Backend, address string) (string, error) {
	obj := objectstore.NewGenericObject(backend, address)
	l, err := objectstore.LockShared(ctx, obj)
	if err != nil {
		return "", err
	}
	defer l.Release()
	if err := obj.Fetch(ctx); err != nil {
		return "", err
	}
	return obj.Dump()
}

// ObjectSummary is one line of ListObjects.
type ObjectSummary struct {
	Address     string                 `json:"address"`
	Type        objectstore.ObjectType `json:"type"`
	Owner       string                 `json:"owner"`
	BackupOwner string                 `json:"backupOwner,omitempty"`
}

// ListObjects summarizes every stored object from unlocked snapshots. Objects removed during
// the scan are skipped, undecodable ones are listed with an empty type.
func ListObjects(ctx context.Context, backend objectstore.Backend) ([]ObjectSummary, error) {
	keys, err := backend.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	r := make([]ObjectSummary, 0, len(keys))
	for _, k := range keys {
		obj := objectstore.NewGenericObject(backend, k)
		if err := obj.FetchNoLock(ctx); err != nil {
			if errors.Is(err, objectstore.ErrNotFound) {
				continue
			}
			log.Warn("undecodable object", "address", k, "error", err.Error())
			r = append(r, ObjectSummary{Address: k})
			continue
		}
		rec, err := obj.Record()
		if err != nil {
			return nil, err
		}
		r = append(r, ObjectSummary{
			Address:     k,
			Type:        rec.Type,
			Owner:       rec.Owner,
			BackupOwner: rec.BackupOwner,
		})
	}
	return r, nil
}
