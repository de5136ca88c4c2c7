// Package inmemory contains a process local Backend, for tests and single process tools, and
// a Locker that can serialize process local access to any Store.
package inmemory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sharedcode/objectstore"
)

// Store keeps values in a map.
type Store struct {
	lock   sync.RWMutex
	values map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		values: make(map[string][]byte),
	}
}

// NewBackend returns an in-memory store paired with an in-memory locker.
func NewBackend() objectstore.Backend {
	return objectstore.Compose(NewStore(), NewLocker())
}

func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.values[key]; ok {
		return objectstore.Error{Code: objectstore.AlreadyExists, Err: fmt.Errorf("key %s is taken", key), UserData: key}
	}
	s.values[key] = slices.Clone(value)
	return nil
}

func (s *Store) AtomicOverwrite(ctx context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.values[key]; !ok {
		return objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("key %s not found", key), UserData: key}
	}
	s.values[key] = slices.Clone(value)
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("key %s not found", key), UserData: key}
	}
	return slices.Clone(v), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.values[key]; !ok {
		return objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("key %s not found", key), UserData: key}
	}
	delete(s.values, key)
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return slices.Sorted(maps.Keys(s.values)), nil
}

func (s *Store) Params() string {
	return "memory"
}

func (s *Store) Close() error {
	return nil
}
