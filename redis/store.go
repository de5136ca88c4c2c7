// Package redis contains the clustered Backend: objects are Redis strings written whole, and
// locks are leases keyed by a caller identity that expire when their holder dies.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/objectstore"
)

// Store keeps each object under "<prefix>O<key>".
type Store struct {
	conn    *Connection
	prefix  string
	isOwner bool
}

// NewStore returns a store on a connection the caller keeps ownership of.
func NewStore(conn *Connection, prefix string) *Store {
	return &Store{
		conn:   conn,
		prefix: prefix,
	}
}

// NewBackend opens its own connection and returns a store and locker on it. Closing the
// backend closes the connection.
func NewBackend(options Options, prefix string, leaseDuration time.Duration) (objectstore.Backend, error) {
	conn, err := NewConnection(options)
	if err != nil {
		return nil, err
	}
	s := NewStore(conn, prefix)
	s.isOwner = true
	return objectstore.Compose(s, NewLocker(conn, prefix, leaseDuration)), nil
}

// FormatObjectKey prefixes the key with 'O' to form the namespaced Redis key of the value.
func (s *Store) FormatObjectKey(k string) string {
	return fmt.Sprintf("%sO%s", s.prefix, k)
}

func (s *Store) client() (*redis.Client, error) {
	if s.conn == nil || s.conn.Client == nil {
		return nil, objectstore.Error{Code: objectstore.LostConnection, Err: fmt.Errorf("redis connection is not open")}
	}
	return s.conn.Client, nil
}

func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	ok, err := c.SetNX(ctx, s.FormatObjectKey(key), value, 0).Result()
	if err != nil {
		return mapError(key, err)
	}
	if !ok {
		return objectstore.Error{Code: objectstore.AlreadyExists, Err: fmt.Errorf("key %s is taken", key), UserData: key}
	}
	return nil
}

// AtomicOverwrite replaces the whole value in one SET, only if the object exists.
func (s *Store) AtomicOverwrite(ctx context.Context, key string, value []byte) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	ok, err := c.SetXX(ctx, s.FormatObjectKey(key), value, 0).Result()
	if err != nil {
		return mapError(key, err)
	}
	if !ok {
		return objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("overwrite of absent object %s", key), UserData: key}
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	ba, err := c.Get(ctx, s.FormatObjectKey(key)).Bytes()
	if err != nil {
		return nil, mapError(key, err)
	}
	return ba, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	c, err := s.client()
	if err != nil {
		return false, err
	}
	n, err := c.Exists(ctx, s.FormatObjectKey(key)).Result()
	if err != nil {
		return false, mapError(key, err)
	}
	return n == 1, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	n, err := c.Del(ctx, s.FormatObjectKey(key)).Result()
	if err != nil {
		return mapError(key, err)
	}
	if n == 0 {
		return objectstore.Error{Code: objectstore.NotFound, Err: fmt.Errorf("key %s not found", key), UserData: key}
	}
	return nil
}

// List scans the object keys of this prefix.
func (s *Store) List(ctx context.Context) ([]string, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	match := s.FormatObjectKey("*")
	var keys []string
	iter := c.Scan(ctx, 0, match, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix+"O"))
	}
	if err := iter.Err(); err != nil {
		return nil, mapError("scan", err)
	}
	return keys, nil
}

func (s *Store) Params() string {
	if s.conn == nil {
		return "redis:closed"
	}
	if s.conn.Options.URL != "" {
		return fmt.Sprintf("redis:%s prefix=%q", redactURL(s.conn.Options.URL), s.prefix)
	}
	return fmt.Sprintf("redis:%s/%d prefix=%q", s.conn.Options.Address, s.conn.Options.DB, s.prefix)
}

// Close closes the connection when this store opened it.
func (s *Store) Close() error {
	if !s.isOwner || s.conn == nil {
		return nil
	}
	err := closeConnection(s.conn)
	s.conn = nil
	return err
}

func redactURL(u string) string {
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "://"); j >= 0 && j < i {
			return u[:j+3] + "***" + u[i:]
		}
	}
	return u
}
