package objectstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/fs"
	"github.com/sharedcode/objectstore/inmemory"
)

// newMemoryStore returns an in-memory backend with root entry and agent register in place.
func newMemoryStore(t *testing.T) objectstore.Backend {
	t.Helper()
	b := inmemory.NewBackend()
	initStore(t, b)
	return b
}

// newDirectoryStore is newMemoryStore on a temporary folder.
func newDirectoryStore(t *testing.T) objectstore.Backend {
	t.Helper()
	b, err := fs.NewBackend(context.Background(), t.TempDir(), 0)
	if err != nil {
		t.Fatalf("fs.NewBackend failed: %v", err)
	}
	initStore(t, b)
	return b
}

func initStore(t *testing.T, b objectstore.Backend) {
	t.Helper()
	ctx := context.Background()
	re := objectstore.NewRootEntry(b)
	if err := re.Initialize(); err != nil {
		t.Fatalf("root Initialize failed: %v", err)
	}
	if err := re.Insert(ctx); err != nil {
		t.Fatalf("root Insert failed: %v", err)
	}
	l, err := objectstore.LockExclusive(ctx, re)
	if err != nil {
		t.Fatalf("root lock failed: %v", err)
	}
	defer l.Release()
	if err := re.Fetch(ctx); err != nil {
		t.Fatalf("root Fetch failed: %v", err)
	}
	if _, err := re.AddOrGetAgentRegisterPointerAndCommit(ctx, objectstore.NewAgent(b, "setup")); err != nil {
		t.Fatalf("register allocation failed: %v", err)
	}
}

func newRegisteredAgent(t *testing.T, b objectstore.Backend, timeout time.Duration) *objectstore.Agent {
	t.Helper()
	a := objectstore.NewAgent(b, "worker")
	if err := a.InsertAndRegisterSelf(context.Background(), "test agent", timeout); err != nil {
		t.Fatalf("InsertAndRegisterSelf failed: %v", err)
	}
	return a
}

// newOwnedWorkItem inserts a work item owned by agent and returns its address.
func newOwnedWorkItem(t *testing.T, agent *objectstore.Agent, kind string) string {
	t.Helper()
	w := objectstore.NewWorkItem(agent.Backend(), agent.NextChildID(string(objectstore.TypeWorkItem)))
	if err := w.Initialize(kind, map[string]string{"kind": kind}, nil); err != nil {
		t.Fatalf("work item Initialize failed: %v", err)
	}
	if err := objectstore.InsertOwnedObject(context.Background(), agent, w); err != nil {
		t.Fatalf("InsertOwnedObject failed: %v", err)
	}
	return w.Address()
}

// fillQueue creates n work items and pushes them into the named queue, returning the queue
// address and the item addresses in push order.
func fillQueue(t *testing.T, agent *objectstore.Agent, name string, n int) (string, []string) {
	t.Helper()
	ctx := context.Background()
	qa, err := objectstore.AllocateOrGetFIFO(ctx, agent, name)
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		addr := newOwnedWorkItem(t, agent, fmt.Sprintf("job-%d", i))
		if err := objectstore.PushToContainer(ctx, agent, qa, addr); err != nil {
			t.Fatalf("PushToContainer #%d failed: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	return qa, addrs
}

func queueContents(t *testing.T, b objectstore.Backend, addr string) []string {
	t.Helper()
	ctx := context.Background()
	q := objectstore.NewFIFO(b, addr)
	l, err := objectstore.LockShared(ctx, q)
	if err != nil {
		t.Fatalf("queue lock failed: %v", err)
	}
	defer l.Release()
	if err := q.Fetch(ctx); err != nil {
		t.Fatalf("queue Fetch failed: %v", err)
	}
	c, err := q.Contents()
	if err != nil {
		t.Fatalf("queue Contents failed: %v", err)
	}
	return c
}

func ownerOf(t *testing.T, b objectstore.Backend, addr string) string {
	t.Helper()
	o := objectstore.NewGenericObject(b, addr)
	if err := o.FetchNoLock(context.Background()); err != nil {
		t.Fatalf("FetchNoLock(%s) failed: %v", addr, err)
	}
	owner, err := o.Owner()
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	return owner
}

func ownership(t *testing.T, a *objectstore.Agent) []string {
	t.Helper()
	l, err := a.FetchOwnershipList(context.Background())
	if err != nil {
		t.Fatalf("FetchOwnershipList failed: %v", err)
	}
	return l
}

// fakeClock is a settable time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
