package maintenance

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/inmemory"
)

func newStore(t *testing.T) (objectstore.Backend, string) {
	t.Helper()
	b := inmemory.NewBackend()
	regAddr, err := InitializeStore(context.Background(), b)
	if err != nil {
		t.Fatalf("InitializeStore failed: %v", err)
	}
	return b, regAddr
}

func newAgent(t *testing.T, b objectstore.Backend) *objectstore.Agent {
	t.Helper()
	a := objectstore.NewAgent(b, "worker")
	if err := a.InsertAndRegisterSelf(context.Background(), "maintenance test", 0); err != nil {
		t.Fatalf("InsertAndRegisterSelf failed: %v", err)
	}
	return a
}

// editRoot runs f on the exclusively locked and fetched root entry.
func editRoot(t *testing.T, b objectstore.Backend, f func(re *objectstore.RootEntry) error) {
	t.Helper()
	ctx := context.Background()
	re := objectstore.NewRootEntry(b)
	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		t.Fatalf("root lock failed: %v", err)
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		t.Fatalf("root Fetch failed: %v", err)
	}
	if err := f(re); err != nil {
		t.Fatalf("root edit failed: %v", err)
	}
}

func readRegister(t *testing.T, b objectstore.Backend, addr string) *objectstore.AgentRegister {
	t.Helper()
	reg := objectstore.NewAgentRegister(b, addr)
	if err := reg.FetchNoLock(context.Background()); err != nil {
		t.Fatalf("register FetchNoLock failed: %v", err)
	}
	return reg
}

func TestInitializeStoreIsIdempotent(t *testing.T) {
	b, regAddr := newStore(t)
	again, err := InitializeStore(context.Background(), b)
	if err != nil {
		t.Fatalf("second InitializeStore failed: %v", err)
	}
	if again != regAddr {
		t.Fatalf("register moved from %s to %s", regAddr, again)
	}
	if !strings.HasPrefix(regAddr, "AgentRegister-") {
		t.Fatalf("unexpected register address %s", regAddr)
	}
	if owner, _ := readRegister(t, b, regAddr).Owner(); owner != objectstore.RootEntryAddress {
		t.Fatalf("register owned by %q", owner)
	}
}

func TestRepairMissingFIFOReferences(t *testing.T) {
	ctx := context.Background()
	b, _ := newStore(t)
	a := newAgent(t, b)
	lost, err := objectstore.AllocateOrGetFIFO(ctx, a, "lost")
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	if _, err := objectstore.AllocateOrGetFIFO(ctx, a, "kept"); err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	if err := b.Remove(ctx, lost); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	dropped, err := RepairMissingFIFOReferences(ctx, b)
	if err != nil {
		t.Fatalf("RepairMissingFIFOReferences failed: %v", err)
	}
	if !slices.Equal(dropped, []string{"lost"}) {
		t.Fatalf("dropped %v, want [lost]", dropped)
	}
	names, err := objectstore.FIFONames(ctx, b)
	if err != nil {
		t.Fatalf("FIFONames failed: %v", err)
	}
	if !slices.Equal(names, []string{"kept"}) {
		t.Fatalf("queues left %v, want [kept]", names)
	}
	if dropped, err := RepairMissingFIFOReferences(ctx, b); err != nil || len(dropped) != 0 {
		t.Fatalf("second repair dropped %v, %v", dropped, err)
	}
}

func TestUntrackAgent(t *testing.T) {
	ctx := context.Background()
	b, regAddr := newStore(t)
	a := newAgent(t, b)
	if err := UntrackAgent(ctx, b, a.Address()); err != nil {
		t.Fatalf("UntrackAgent failed: %v", err)
	}
	reg := readRegister(t, b, regAddr)
	untracked, _ := reg.UntrackedAgents()
	tracked, _ := reg.TrackedAgents()
	if !slices.Equal(untracked, []string{a.Address()}) || len(tracked) != 0 {
		t.Fatalf("tracked %v, untracked %v", tracked, untracked)
	}
	if err := UntrackAgent(ctx, b, a.Address()); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("untracking twice: got %v, want ErrInvalidArgument", err)
	}
}

func TestRecreateMissingIndexes(t *testing.T) {
	ctx := context.Background()
	b, regAddr := newStore(t)
	listed := newAgent(t, b)
	orphan := newAgent(t, b)
	queue, err := objectstore.AllocateOrGetFIFO(ctx, listed, "jobs")
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}

	// Lose the register entry of one agent, the queue reference and the register reference.
	reg := objectstore.NewAgentRegister(b, regAddr)
	func() {
		l, err := objectstore.LockExclusive(ctx, reg)
		if err != nil {
			t.Fatalf("register lock failed: %v", err)
		}
		defer l.Release()
		if err := reg.Fetch(ctx); err != nil {
			t.Fatalf("register Fetch failed: %v", err)
		}
		if err := reg.RemoveAgent(orphan.Address()); err != nil {
			t.Fatalf("RemoveAgent failed: %v", err)
		}
		if err := reg.Commit(ctx); err != nil {
			t.Fatalf("register Commit failed: %v", err)
		}
	}()
	editRoot(t, b, func(re *objectstore.RootEntry) error {
		if err := re.ForgetFIFOAndCommit(ctx, "jobs"); err != nil {
			return err
		}
		p, err := re.MutablePayload()
		if err != nil {
			return err
		}
		p.AgentRegister = nil
		return re.Commit(ctx)
	})

	report, err := RecreateMissingIndexes(ctx, b)
	if err != nil {
		t.Fatalf("RecreateMissingIndexes failed: %v", err)
	}
	if report.AgentRegister != regAddr {
		t.Fatalf("register %q re-referenced, want %s", report.AgentRegister, regAddr)
	}
	if report.FIFOs["jobs"] != queue || len(report.FIFOs) != 1 {
		t.Fatalf("queues re-referenced %v, want jobs -> %s", report.FIFOs, queue)
	}
	if !slices.Equal(report.Agents, []string{orphan.Address()}) {
		t.Fatalf("agents added %v, want [%s]", report.Agents, orphan.Address())
	}

	got := readRegister(t, b, regAddr)
	untracked, _ := got.UntrackedAgents()
	tracked, _ := got.TrackedAgents()
	if !slices.Equal(untracked, []string{orphan.Address()}) || !slices.Equal(tracked, []string{listed.Address()}) {
		t.Fatalf("tracked %v, untracked %v", tracked, untracked)
	}
	names, err := objectstore.FIFONames(ctx, b)
	if err != nil || !slices.Equal(names, []string{"jobs"}) {
		t.Fatalf("FIFONames = %v, %v", names, err)
	}

	again, err := RecreateMissingIndexes(ctx, b)
	if err != nil {
		t.Fatalf("second RecreateMissingIndexes failed: %v", err)
	}
	if again.AgentRegister != "" || len(again.Agents) != 0 || len(again.FIFOs) != 0 {
		t.Fatalf("second pass repaired %+v", again)
	}
}

func TestDumpAndListObjects(t *testing.T) {
	ctx := context.Background()
	b, regAddr := newStore(t)
	a := newAgent(t, b)

	dump, err := DumpObject(ctx, b, regAddr)
	if err != nil {
		t.Fatalf("DumpObject failed: %v", err)
	}
	if !strings.Contains(dump, a.Address()) {
		t.Fatalf("dump of the register does not mention %s:\n%s", a.Address(), dump)
	}
	if _, err := DumpObject(ctx, b, "absent"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("dumping a missing object: got %v, want ErrNotFound", err)
	}

	if err := b.Create(ctx, "garbage", []byte("not an object")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	list, err := ListObjects(ctx, b)
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	byAddr := map[string]ObjectSummary{}
	var addrs []string
	for _, s := range list {
		byAddr[s.Address] = s
		addrs = append(addrs, s.Address)
	}
	if !slices.IsSorted(addrs) || len(list) != 4 {
		t.Fatalf("unexpected listing %v", addrs)
	}
	if s := byAddr[objectstore.RootEntryAddress]; s.Type != objectstore.TypeRootEntry {
		t.Fatalf("root entry listed as %+v", s)
	}
	if s := byAddr[regAddr]; s.Type != objectstore.TypeAgentRegister || s.Owner != objectstore.RootEntryAddress {
		t.Fatalf("register listed as %+v", s)
	}
	if s := byAddr[a.Address()]; s.Type != objectstore.TypeAgent || s.Owner != regAddr {
		t.Fatalf("agent listed as %+v", s)
	}
	if s, ok := byAddr["garbage"]; !ok || s.Type != "" {
		t.Fatalf("undecodable object listed as %+v", s)
	}
}

func TestRemoveQueue(t *testing.T) {
	ctx := context.Background()
	b, _ := newStore(t)
	a := newAgent(t, b)
	idle, err := objectstore.AllocateOrGetFIFO(ctx, a, "idle")
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	busy, err := objectstore.AllocateOrGetFIFO(ctx, a, "busy")
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	w := objectstore.NewWorkItem(b, a.NextChildID(string(objectstore.TypeWorkItem)))
	if err := w.Initialize("job", nil, nil); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := objectstore.InsertOwnedObject(ctx, a, w); err != nil {
		t.Fatalf("InsertOwnedObject failed: %v", err)
	}
	if err := objectstore.PushToContainer(ctx, a, busy, w.Address()); err != nil {
		t.Fatalf("PushToContainer failed: %v", err)
	}

	if err := RemoveQueue(ctx, b, "busy"); !errors.Is(err, objectstore.ErrNotEmpty) {
		t.Fatalf("removing a non-empty queue: got %v, want ErrNotEmpty", err)
	}
	if err := RemoveQueue(ctx, b, "idle"); err != nil {
		t.Fatalf("RemoveQueue failed: %v", err)
	}
	if ok, _ := b.Exists(ctx, idle); ok {
		t.Fatalf("queue %s still stored", idle)
	}
	names, err := objectstore.FIFONames(ctx, b)
	if err != nil || !slices.Equal(names, []string{"busy"}) {
		t.Fatalf("FIFONames = %v, %v", names, err)
	}
}

func TestRemoveStore(t *testing.T) {
	ctx := context.Background()
	b, regAddr := newStore(t)
	a := newAgent(t, b)
	if _, err := objectstore.AllocateOrGetFIFO(ctx, a, "q"); err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}

	if err := RemoveStore(ctx, b); !errors.Is(err, objectstore.ErrNotEmpty) {
		t.Fatalf("store with a queue: got %v, want ErrNotEmpty", err)
	}
	if err := RemoveQueue(ctx, b, "q"); err != nil {
		t.Fatalf("RemoveQueue failed: %v", err)
	}
	if err := RemoveStore(ctx, b); !errors.Is(err, objectstore.ErrNotEmpty) {
		t.Fatalf("store with an agent: got %v, want ErrNotEmpty", err)
	}
	if ok, _ := b.Exists(ctx, regAddr); !ok {
		t.Fatalf("failed removal dropped the agent register")
	}

	if err := a.RemoveAndUnregisterSelf(ctx); err != nil {
		t.Fatalf("RemoveAndUnregisterSelf failed: %v", err)
	}
	if err := RemoveStore(ctx, b); err != nil {
		t.Fatalf("RemoveStore failed: %v", err)
	}
	keys, err := b.List(ctx)
	if err != nil || len(keys) != 0 {
		t.Fatalf("objects left after removal: %v, %v", keys, err)
	}
}
