package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/internal/backendtest"
)

func TestBackendContract(t *testing.T) {
	backendtest.Run(t, NewBackend(), "")
}

func TestStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	v := []byte("abc")
	if err := s.Create(ctx, "k", v); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	v[0] = 'x'
	got, _ := s.Read(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased the caller slice: %s", got)
	}
	got[1] = 'y'
	again, _ := s.Read(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("read value aliased the stored slice: %s", again)
	}
}

func TestLockerWithoutStore(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()
	// Not composed, so any key can be locked.
	h, err := l.LockExclusive(ctx, "free")
	if err != nil {
		t.Fatalf("LockExclusive failed: %v", err)
	}
	if err := l.Unlock(ctx, h); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if len(l.keys) != 0 {
		t.Fatalf("%d key entries left after unlock", len(l.keys))
	}
	if err := l.Unlock(ctx, foreignHandle{}); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("foreign handle: got %v, want ErrInvalidArgument", err)
	}
}

type foreignHandle struct{}

func (foreignHandle) Key() string                { return "foreign" }
func (foreignHandle) Mode() objectstore.LockMode { return objectstore.Exclusive }

func TestWaitingWriterHoldsBackReaders(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()
	r1, err := l.LockShared(ctx, "k")
	if err != nil {
		t.Fatalf("LockShared failed: %v", err)
	}
	wctx, cancelWriter := context.WithCancel(ctx)
	writerDone := make(chan error, 1)
	go func() {
		h, err := l.LockExclusive(wctx, "k")
		if err == nil {
			err = l.Unlock(ctx, h)
		}
		writerDone <- err
	}()
	// Wait for the writer to queue up: from then on the semaphore refuses new readers.
	l.lock.Lock()
	sem := l.keys["k"].sem
	l.lock.Unlock()
	for sem.TryAcquire(1) {
		sem.Release(1)
		time.Sleep(time.Millisecond)
	}
	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.LockShared(rctx, "k"); err == nil {
		t.Fatalf("reader overtook a waiting writer")
	}
	if err := l.Unlock(ctx, r1); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := <-writerDone; err != nil {
		t.Fatalf("writer failed: %v", err)
	}
	cancelWriter()
}
