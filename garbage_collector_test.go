package objectstore_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/cel"
)

type gcFixture struct {
	b        objectstore.Backend
	clock    *fakeClock
	producer *objectstore.Agent
	worker   *objectstore.Agent
	gc       *objectstore.GarbageCollector
	queue    string
	items    []string
}

// newGCFixture fills a queue with n items and starts a collector that watches a one minute
// timeout worker. The first pass has run, so the worker is being watched.
func newGCFixture(t *testing.T, n int) *gcFixture {
	t.Helper()
	b := newMemoryStore(t)
	f := &gcFixture{
		b:        b,
		clock:    &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		producer: newRegisteredAgent(t, b, time.Hour),
		worker:   newRegisteredAgent(t, b, time.Minute),
	}
	f.queue, f.items = fillQueue(t, f.producer, "archive", n)
	f.gc = objectstore.NewGarbageCollector(newRegisteredAgent(t, b, time.Hour), nil, 2)
	f.gc.SetClock(f.clock.Now)
	if err := f.gc.RunOnePass(context.Background()); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	return f
}

// killWorker lets the worker timeout elapse and runs a pass.
func (f *gcFixture) killWorker(t *testing.T) error {
	t.Helper()
	f.clock.Advance(2 * time.Minute)
	return f.gc.RunOnePass(context.Background())
}

func TestGarbageCollectorRepostsFromDeadAgent(t *testing.T) {
	f := newGCFixture(t, 3)
	popped := popAddress(t, f.worker, f.queue)

	// Still within the timeout.
	f.clock.Advance(30 * time.Second)
	if err := f.gc.RunOnePass(context.Background()); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if ok, _ := f.b.Exists(context.Background(), f.worker.Address()); !ok {
		t.Fatalf("live worker was reclaimed")
	}

	if err := f.killWorker(t); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got, want := queueContents(t, f.b, f.queue), []string{f.items[1], f.items[2], popped}; !slices.Equal(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	if o := ownerOf(t, f.b, popped); o != f.queue {
		t.Fatalf("reposted object owned by %s", o)
	}
	if ok, _ := f.b.Exists(context.Background(), f.worker.Address()); ok {
		t.Fatalf("dead worker record still present")
	}
	tracked, untracked := registerContents(t, f.b)
	if slices.Contains(tracked, f.worker.Address()) || slices.Contains(untracked, f.worker.Address()) {
		t.Fatalf("dead worker still registered")
	}
	if !slices.Contains(tracked, f.producer.Address()) {
		t.Fatalf("producer, alive within its timeout, lost its registration")
	}
}

func TestGarbageCollectorKeepsHeartbeatingAgent(t *testing.T) {
	f := newGCFixture(t, 1)
	for i := 0; i < 3; i++ {
		if err := f.worker.HeartbeatAndCommit(context.Background()); err != nil {
			t.Fatalf("HeartbeatAndCommit failed: %v", err)
		}
		f.clock.Advance(50 * time.Second)
		if err := f.gc.RunOnePass(context.Background()); err != nil {
			t.Fatalf("pass failed: %v", err)
		}
	}
	if ok, _ := f.b.Exists(context.Background(), f.worker.Address()); !ok {
		t.Fatalf("heartbeating worker was reclaimed")
	}
}

func TestGarbageCollectorRepostIsIdempotent(t *testing.T) {
	f := newGCFixture(t, 2)
	popped := popAddress(t, f.worker, f.queue)
	// A collector that died after queueing the object but before dropping it from the
	// worker ownership list left this entry behind.
	pushRaw(t, f.b, f.queue, popped)

	if err := f.killWorker(t); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	got := queueContents(t, f.b, f.queue)
	if want := []string{f.items[1], popped}; !slices.Equal(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
}

func TestGarbageCollectorRecoversCrashedPop(t *testing.T) {
	f := newGCFixture(t, 3)
	popped := popAddress(t, f.worker, f.queue)
	// The worker committed the object and died before committing the queue.
	pushHead(t, f.b, f.queue, popped)

	if err := f.killWorker(t); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if got, want := queueContents(t, f.b, f.queue), []string{popped, f.items[1], f.items[2]}; !slices.Equal(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
	if o := ownerOf(t, f.b, popped); o != f.queue {
		t.Fatalf("recovered object owned by %s", o)
	}
	if got := popAddress(t, f.producer, f.queue); got != popped {
		t.Fatalf("popped %s, want the recovered %s", got, popped)
	}
}

func TestGarbageCollectorDropsNeverCreatedObjects(t *testing.T) {
	f := newGCFixture(t, 1)
	if err := f.worker.AddToOwnershipAndCommit(context.Background(), "never-created"); err != nil {
		t.Fatalf("AddToOwnershipAndCommit failed: %v", err)
	}
	if err := f.killWorker(t); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if ok, _ := f.b.Exists(context.Background(), f.worker.Address()); ok {
		t.Fatalf("dead worker record still present")
	}
}

func TestGarbageCollectorRemovesAbandonedQueue(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t, 1)
	q := objectstore.NewFIFO(f.b, f.worker.NextChildID(string(objectstore.TypeFIFO)))
	if err := q.Initialize("half-made", f.worker.Address(), objectstore.RootEntryAddress); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := objectstore.InsertOwnedObject(ctx, f.worker, q); err != nil {
		t.Fatalf("InsertOwnedObject failed: %v", err)
	}
	if err := f.killWorker(t); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if ok, _ := f.b.Exists(ctx, q.Address()); ok {
		t.Fatalf("abandoned queue still present")
	}
}

func TestGarbageCollectorKeepsUnroutableObjects(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t, 1)
	// Never queued, so there is no backup owner to route to.
	addr := newOwnedWorkItem(t, f.worker, "loose")

	err := f.killWorker(t)
	if !errors.Is(err, objectstore.ErrStillOwnsObjects) {
		t.Fatalf("got %v, want ErrStillOwnsObjects", err)
	}
	if ok, _ := f.b.Exists(ctx, f.worker.Address()); !ok {
		t.Fatalf("worker holding an unroutable object was removed")
	}
	if got := ownership(t, f.worker); !slices.Equal(got, []string{addr}) {
		t.Fatalf("ownership = %v", got)
	}
	_, untracked := registerContents(t, f.b)
	if !slices.Contains(untracked, f.worker.Address()) {
		t.Fatalf("worker not left untracked for a later pass")
	}

	// An operator hands the object a route, the next pass finishes the job.
	f.gc.SetReclaimer(objectstore.TypeWorkItem, objectstore.ReclaimerFunc(
		func(ctx context.Context, gc *objectstore.GarbageCollector, obj *objectstore.GenericObject, dead string) error {
			return objectstore.RequeueToContainer(ctx, obj, f.queue)
		}))
	if err := f.gc.RunOnePass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if ok, _ := f.b.Exists(ctx, f.worker.Address()); ok {
		t.Fatalf("worker record still present")
	}
	if got := queueContents(t, f.b, f.queue); !slices.Contains(got, addr) {
		t.Fatalf("queue %v misses the reclaimed object", got)
	}
}

func TestGarbageCollectorRoutesWithRules(t *testing.T) {
	ctx := context.Background()
	b := newMemoryStore(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	worker := newRegisteredAgent(t, b, time.Minute)
	gcAgent := newRegisteredAgent(t, b, time.Hour)

	rules, err := cel.NewRouter(gcAgent, map[string]string{
		"WorkItem": `"retrieve-" + object.payload.attributes.kind`,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	gc := objectstore.NewGarbageCollector(gcAgent, objectstore.ChainRouter{rules, objectstore.BackupOwnerRouter{Backend: b}}, 1)
	gc.SetClock(clock.Now)
	if err := gc.RunOnePass(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	addr := newOwnedWorkItem(t, worker, "tape")

	clock.Advance(2 * time.Minute)
	if err := gc.RunOnePass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	qa, err := objectstore.AllocateOrGetFIFO(ctx, gcAgent, "retrieve-tape")
	if err != nil {
		t.Fatalf("AllocateOrGetFIFO failed: %v", err)
	}
	if got := queueContents(t, b, qa); !slices.Equal(got, []string{addr}) {
		t.Fatalf("routed queue = %v", got)
	}
	if got := ownership(t, gcAgent); len(got) != 0 {
		t.Fatalf("collector agent kept ownership of %v", got)
	}
}

func TestGarbageCollectorRun(t *testing.T) {
	f := newGCFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gc.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
