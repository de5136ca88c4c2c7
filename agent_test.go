package objectstore_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
)

func registerContents(t *testing.T, b objectstore.Backend) (tracked, untracked []string) {
	t.Helper()
	ctx := context.Background()
	re := objectstore.NewRootEntry(b)
	if err := re.FetchNoLock(ctx); err != nil {
		t.Fatalf("root FetchNoLock failed: %v", err)
	}
	addr, err := re.AgentRegisterAddress()
	if err != nil {
		t.Fatalf("AgentRegisterAddress failed: %v", err)
	}
	reg := objectstore.NewAgentRegister(b, addr)
	if err := reg.FetchNoLock(ctx); err != nil {
		t.Fatalf("register FetchNoLock failed: %v", err)
	}
	tracked, _ = reg.TrackedAgents()
	untracked, _ = reg.UntrackedAgents()
	return tracked, untracked
}

func TestAgentRegisterLists(t *testing.T) {
	ctx := context.Background()
	b := newMemoryStore(t)
	reg := objectstore.NewAgentRegister(b, "reg")
	if err := reg.Initialize("root"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := reg.Insert(ctx); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	l, err := objectstore.LockExclusive(ctx, reg)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer l.Release()
	if err := reg.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	for _, a := range []string{"a1", "a2", "a3"} {
		if err := reg.AddAgent(a); err != nil {
			t.Fatalf("AddAgent(%s) failed: %v", a, err)
		}
	}
	if err := reg.AddAgent("a2"); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("duplicate AddAgent: got %v, want ErrInvalidArgument", err)
	}
	if err := reg.UntrackAgent("a2"); err != nil {
		t.Fatalf("UntrackAgent failed: %v", err)
	}
	if err := reg.UntrackAgent("a2"); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("second UntrackAgent: got %v, want ErrInvalidArgument", err)
	}
	if err := reg.AddAgent("a2"); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("AddAgent of an untracked agent: got %v, want ErrInvalidArgument", err)
	}
	tr, _ := reg.TrackedAgents()
	un, _ := reg.UntrackedAgents()
	if !slices.Equal(tr, []string{"a1", "a3"}) || !slices.Equal(un, []string{"a2"}) {
		t.Fatalf("tracked %v untracked %v", tr, un)
	}
	all, _ := reg.Agents()
	if len(all) != 3 {
		t.Fatalf("Agents = %v, want 3 entries", all)
	}
	if err := reg.TrackAgent("a2"); err != nil {
		t.Fatalf("TrackAgent failed: %v", err)
	}
	for _, a := range []string{"a1", "a2", "a3", "unknown"} {
		if err := reg.RemoveAgent(a); err != nil {
			t.Fatalf("RemoveAgent(%s) failed: %v", a, err)
		}
	}
	if empty, _ := reg.IsEmpty(); !empty {
		t.Fatalf("register not empty after removing everyone")
	}
	if err := reg.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestAgentRegistration(t *testing.T) {
	ctx := context.Background()
	b := newMemoryStore(t)
	a := newRegisteredAgent(t, b, 2*time.Minute)

	tracked, _ := registerContents(t, b)
	if !slices.Contains(tracked, a.Address()) {
		t.Fatalf("agent %s not in register %v", a.Address(), tracked)
	}
	v := objectstore.AgentView(b, a.Address())
	if err := v.FetchNoLock(ctx); err != nil {
		t.Fatalf("agent FetchNoLock failed: %v", err)
	}
	if to, _ := v.Timeout(); to != 2*time.Minute {
		t.Fatalf("Timeout = %v, want 2m", to)
	}
	if d, _ := v.Description(); d != "test agent" {
		t.Fatalf("Description = %q", d)
	}

	for i := 0; i < 3; i++ {
		if err := a.HeartbeatAndCommit(ctx); err != nil {
			t.Fatalf("HeartbeatAndCommit failed: %v", err)
		}
	}
	v = objectstore.AgentView(b, a.Address())
	if err := v.FetchNoLock(ctx); err != nil {
		t.Fatalf("agent FetchNoLock failed: %v", err)
	}
	if hb, _ := v.HeartbeatCount(); hb != 3 {
		t.Fatalf("heartbeat = %d, want 3", hb)
	}

	addr := newOwnedWorkItem(t, a, "archive")
	if err := a.RemoveAndUnregisterSelf(ctx); !errors.Is(err, objectstore.ErrStillOwnsObjects) {
		t.Fatalf("unregister while owning: got %v, want ErrStillOwnsObjects", err)
	}
	if err := a.RemoveFromOwnershipAndCommit(ctx, addr); err != nil {
		t.Fatalf("RemoveFromOwnershipAndCommit failed: %v", err)
	}
	if err := a.RemoveAndUnregisterSelf(ctx); err != nil {
		t.Fatalf("RemoveAndUnregisterSelf failed: %v", err)
	}
	if ok, _ := b.Exists(ctx, a.Address()); ok {
		t.Fatalf("agent record still present")
	}
	tracked, untracked := registerContents(t, b)
	if slices.Contains(tracked, a.Address()) || slices.Contains(untracked, a.Address()) {
		t.Fatalf("agent still in register")
	}
}

func TestAgentRegistrationNeedsRegister(t *testing.T) {
	ctx := context.Background()
	b := newMemoryStore(t)
	re := objectstore.NewRootEntry(b)
	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if err := re.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := re.RemoveAgentRegisterAndCommit(ctx); err != nil {
		t.Fatalf("RemoveAgentRegisterAndCommit failed: %v", err)
	}
	l.Release()

	a := objectstore.NewAgent(b, "worker")
	if err := a.InsertAndRegisterSelf(ctx, "", 0); !errors.Is(err, objectstore.ErrNotAllocated) {
		t.Fatalf("got %v, want ErrNotAllocated", err)
	}
}

func TestAgentOwnershipAndChildIDs(t *testing.T) {
	ctx := context.Background()
	b := newMemoryStore(t)
	a := newRegisteredAgent(t, b, 0)

	first := a.NextChildID("WorkItem")
	second := a.NextChildID("WorkItem")
	if first == second {
		t.Fatalf("child ids collide: %s", first)
	}
	if !strings.HasPrefix(first, "WorkItem-"+a.Address()+"-") {
		t.Fatalf("child id %s not derived from agent address", first)
	}
	if other := objectstore.NewAgent(b, "worker"); other.Address() == a.Address() {
		t.Fatalf("two agents of one process share address %s", a.Address())
	}

	for _, x := range []string{"x1", "x2", "x3", "x2"} {
		if err := a.AddToOwnershipAndCommit(ctx, x); err != nil {
			t.Fatalf("AddToOwnershipAndCommit failed: %v", err)
		}
	}
	if got := ownership(t, a); !slices.Equal(got, []string{"x1", "x2", "x3"}) {
		t.Fatalf("ownership = %v", got)
	}
	if err := a.RemoveBatchFromOwnershipAndCommit(ctx, []string{"x1", "x3"}); err != nil {
		t.Fatalf("RemoveBatchFromOwnershipAndCommit failed: %v", err)
	}
	if got := ownership(t, a); !slices.Equal(got, []string{"x2"}) {
		t.Fatalf("ownership = %v", got)
	}
}

func TestAgentHeartbeatLoop(t *testing.T) {
	b := newMemoryStore(t)
	a := newRegisteredAgent(t, b, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Heartbeat(ctx, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		v := objectstore.AgentView(b, a.Address())
		if err := v.FetchNoLock(context.Background()); err != nil {
			t.Fatalf("FetchNoLock failed: %v", err)
		}
		if hb, _ := v.HeartbeatCount(); hb >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat did not move")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
