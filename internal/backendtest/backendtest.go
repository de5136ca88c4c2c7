// Package backendtest exercises any objectstore.Backend against the behavior the object
// store relies on. Backend packages call Run from their tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
)

// Run runs the whole suite on b. Keys are prefixed with prefix so a shared server can host
// several runs.
func Run(t *testing.T, b objectstore.Backend, prefix string) {
	t.Run("CreateReadOverwrite", func(t *testing.T) { createReadOverwrite(t, b, prefix) })
	t.Run("RemoveAndList", func(t *testing.T) { removeAndList(t, b, prefix) })
	t.Run("LockAbsentKey", func(t *testing.T) { lockAbsentKey(t, b, prefix) })
	t.Run("SharedLocks", func(t *testing.T) { sharedLocks(t, b, prefix) })
	t.Run("ExclusiveLock", func(t *testing.T) { exclusiveLock(t, b, prefix) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { concurrentIncrements(t, b, prefix) })
}

func createReadOverwrite(t *testing.T, b objectstore.Backend, prefix string) {
	ctx := context.Background()
	k := prefix + "cro"
	if err := b.Create(ctx, k, []byte("one")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Remove(context.Background(), k) })
	if err := b.Create(ctx, k, []byte("two")); !errors.Is(err, objectstore.ErrAlreadyExists) {
		t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
	}
	v, err := b.Read(ctx, k)
	if err != nil || string(v) != "one" {
		t.Fatalf("Read = %q, %v, want one", v, err)
	}
	if err := b.AtomicOverwrite(ctx, k, []byte("three")); err != nil {
		t.Fatalf("AtomicOverwrite failed: %v", err)
	}
	if v, err = b.Read(ctx, k); err != nil || string(v) != "three" {
		t.Fatalf("Read = %q, %v, want three", v, err)
	}
	if err := b.AtomicOverwrite(ctx, prefix+"absent", []byte("x")); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("overwrite of absent key: got %v, want ErrNotFound", err)
	}
	if _, err := b.Read(ctx, prefix+"absent"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("Read of absent key: got %v, want ErrNotFound", err)
	}
	if ok, err := b.Exists(ctx, prefix+"absent"); err != nil || ok {
		t.Fatalf("Exists of absent key = %v, %v", ok, err)
	}
}

func removeAndList(t *testing.T, b objectstore.Backend, prefix string) {
	ctx := context.Background()
	keys := []string{prefix + "list/a", prefix + "list b", prefix + ".list-c"}
	for _, k := range keys {
		if err := b.Create(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Create(%q) failed: %v", k, err)
		}
	}
	all, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, k := range keys {
		if !slices.Contains(all, k) {
			t.Fatalf("List %v misses %q", all, k)
		}
	}
	for _, k := range keys {
		if err := b.Remove(ctx, k); err != nil {
			t.Fatalf("Remove(%q) failed: %v", k, err)
		}
	}
	if err := b.Remove(ctx, keys[0]); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("second Remove: got %v, want ErrNotFound", err)
	}
	if all, err = b.List(ctx); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, k := range keys {
		if slices.Contains(all, k) {
			t.Fatalf("removed key %q still listed", k)
		}
	}
}

func lockAbsentKey(t *testing.T, b objectstore.Backend, prefix string) {
	ctx := context.Background()
	if _, err := b.LockExclusive(ctx, prefix+"nobody"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("LockExclusive of absent key: got %v, want ErrNotFound", err)
	}
	if _, err := b.LockShared(ctx, prefix+"nobody"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("LockShared of absent key: got %v, want ErrNotFound", err)
	}
}

func create(t *testing.T, b objectstore.Backend, key string) {
	t.Helper()
	if err := b.Create(context.Background(), key, []byte("0")); err != nil {
		t.Fatalf("Create(%q) failed: %v", key, err)
	}
	t.Cleanup(func() { _ = b.Remove(context.Background(), key) })
}

func sharedLocks(t *testing.T, b objectstore.Backend, prefix string) {
	ctx := context.Background()
	k := prefix + "shared"
	create(t, b, k)
	h1, err := b.LockShared(ctx, k)
	if err != nil {
		t.Fatalf("LockShared failed: %v", err)
	}
	h2, err := b.LockShared(ctx, k)
	if err != nil {
		t.Fatalf("second LockShared failed: %v", err)
	}
	if h1.Mode() != objectstore.Shared || h1.Key() != k {
		t.Fatalf("unexpected handle %s/%s", h1.Key(), h1.Mode())
	}
	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.LockExclusive(tctx, k); err == nil {
		t.Fatalf("exclusive lock granted alongside readers")
	}
	if err := b.Unlock(ctx, h1); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := b.Unlock(ctx, h1); !errors.Is(err, objectstore.ErrNotLocked) {
		t.Fatalf("second Unlock: got %v, want ErrNotLocked", err)
	}
	if err := b.Unlock(ctx, h2); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	h, err := b.LockExclusive(ctx, k)
	if err != nil {
		t.Fatalf("LockExclusive after readers left failed: %v", err)
	}
	if err := b.Unlock(ctx, h); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func exclusiveLock(t *testing.T, b objectstore.Backend, prefix string) {
	ctx := context.Background()
	k := prefix + "exclusive"
	create(t, b, k)
	h, err := b.LockExclusive(ctx, k)
	if err != nil {
		t.Fatalf("LockExclusive failed: %v", err)
	}
	for _, lock := range []func(context.Context, string) (objectstore.LockHandle, error){b.LockShared, b.LockExclusive} {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err := lock(tctx, k)
		cancel()
		if err == nil {
			t.Fatalf("second lock granted alongside a writer")
		}
	}

	granted := make(chan objectstore.LockHandle)
	go func() {
		h2, err := b.LockShared(ctx, k)
		if err != nil {
			t.Errorf("waiting LockShared failed: %v", err)
			close(granted)
			return
		}
		granted <- h2
	}()
	time.Sleep(20 * time.Millisecond)
	if err := b.Unlock(ctx, h); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	select {
	case h2, ok := <-granted:
		if ok {
			if err := b.Unlock(ctx, h2); err != nil {
				t.Fatalf("Unlock failed: %v", err)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("waiting reader never got the lock")
	}
}

// concurrentIncrements checks that exclusive locks serialize read-modify-write cycles.
func concurrentIncrements(t *testing.T, b objectstore.Backend, prefix string) {
	const workers, rounds = 4, 10
	k := prefix + "counter"
	create(t, b, k)
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for r := 0; r < rounds; r++ {
				h, err := b.LockExclusive(ctx, k)
				if err != nil {
					t.Errorf("LockExclusive failed: %v", err)
					return
				}
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d holders inside an exclusive lock", n)
				}
				v, err := b.Read(ctx, k)
				if err == nil {
					var n int
					fmt.Sscan(string(v), &n)
					err = b.AtomicOverwrite(ctx, k, []byte(fmt.Sprint(n+1)))
				}
				inside.Add(-1)
				if uerr := b.Unlock(ctx, h); uerr != nil {
					t.Errorf("Unlock failed: %v", uerr)
				}
				if err != nil {
					t.Errorf("increment failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	v, err := b.Read(context.Background(), k)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if want := fmt.Sprint(workers * rounds); string(v) != want {
		t.Fatalf("counter = %s, want %s", v, want)
	}
}
