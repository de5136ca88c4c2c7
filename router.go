package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// Router tells the garbage collector which queue a reclaimed object belongs to.
type Router interface {
	// Route returns the address of the rightful queue, or an ErrUnroutable error.
	Route(ctx context.Context, r Record) (string, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, r Record) (string, error)

func (f RouterFunc) Route(ctx context.Context, r Record) (string, error) {
	return f(ctx, r)
}

// BackupOwnerRouter sends an object back to the queue it was last popped from, provided that
// queue still exists.
type BackupOwnerRouter struct {
	Backend Backend
}

func (b BackupOwnerRouter) Route(ctx context.Context, r Record) (string, error) {
	if r.BackupOwner == "" {
		return "", NewError(Unroutable, r.Address, "object has no backup owner")
	}
	f := NewFIFO(b.Backend, r.BackupOwner)
	if err := f.FetchNoLock(ctx); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTypeMismatch) {
			return "", Error{Code: Unroutable, Err: fmt.Errorf("backup owner %s is not a live queue: %w", r.BackupOwner, err), UserData: r.Address}
		}
		return "", err
	}
	return r.BackupOwner, nil
}

// ChainRouter asks each router in turn and returns the first route found. Failures other than
// ErrUnroutable stop the chain.
type ChainRouter []Router

func (c ChainRouter) Route(ctx context.Context, r Record) (string, error) {
	for _, rt := range c {
		addr, err := rt.Route(ctx, r)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrUnroutable) {
			return "", err
		}
	}
	return "", NewError(Unroutable, r.Address, "no router accepted %s object", r.Type)
}
