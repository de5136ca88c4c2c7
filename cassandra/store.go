// Package cassandra stores objects as rows of one table. Writes are lightweight transactions so
// create-if-absent and overwrite-if-present are decided by the cluster. Cassandra has no locks, so
// the store is composed with a Locker from another system.
package cassandra

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/sharedcode/objectstore"
)

const tableName = "objects"

// Store uses the global connection opened with OpenConnection.
type Store struct{}

// NewStore returns a Store on the global connection.
func NewStore() *Store {
	return &Store{}
}

func errClosed() error {
	return objectstore.Error{
		Code: objectstore.LostConnection,
		Err:  fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it"),
	}
}

func query(ctx context.Context, stmt string, cl gocql.Consistency, args ...any) (*gocql.Query, error) {
	if connection == nil {
		return nil, errClosed()
	}
	qry := connection.Session.Query(fmt.Sprintf(stmt, connection.Config.Keyspace, tableName), args...).WithContext(ctx)
	if cl > gocql.Any {
		qry.Consistency(cl)
	}
	return qry, nil
}

// mapError reports driver level failures as LostConnection.
func mapError(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return objectstore.Error{Code: objectstore.NotFound, Err: err, UserData: key}
	}
	if errors.Is(err, gocql.ErrNoConnections) || errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrSessionClosed) || errors.Is(err, gocql.ErrTimeoutNoResponse) {
		return objectstore.Error{Code: objectstore.LostConnection, Err: err, UserData: key}
	}
	var to *gocql.RequestErrWriteTimeout
	var ro *gocql.RequestErrReadTimeout
	var ua *gocql.RequestErrUnavailable
	if errors.As(err, &to) || errors.As(err, &ro) || errors.As(err, &ua) {
		return objectstore.Error{Code: objectstore.LostConnection, Err: err, UserData: key}
	}
	return err
}

func (s *Store) cas(ctx context.Context, key string, stmt string, cl gocql.Consistency, args ...any) (bool, error) {
	qry, err := query(ctx, stmt, cl, args...)
	if err != nil {
		return false, err
	}
	applied, err := qry.MapScanCAS(make(map[string]any))
	if err != nil {
		return false, mapError(key, err)
	}
	return applied, nil
}

func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	applied, err := s.cas(ctx, key, "INSERT INTO %s.%s (address, value) VALUES(?,?) IF NOT EXISTS;",
		connectionBook().Create, key, value)
	if err != nil {
		return err
	}
	if !applied {
		return objectstore.NewError(objectstore.AlreadyExists, key, "key %s is taken", key)
	}
	return nil
}

// AtomicOverwrite replaces the row's single value column, only if the row exists.
func (s *Store) AtomicOverwrite(ctx context.Context, key string, value []byte) error {
	applied, err := s.cas(ctx, key, "UPDATE %s.%s SET value = ? WHERE address = ? IF EXISTS;",
		connectionBook().Overwrite, value, key)
	if err != nil {
		return err
	}
	if !applied {
		return objectstore.NewError(objectstore.NotFound, key, "overwrite of absent object %s", key)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	qry, err := query(ctx, "SELECT value FROM %s.%s WHERE address = ?;", connectionBook().Read, key)
	if err != nil {
		return nil, err
	}
	var ba []byte
	if err := qry.Scan(&ba); err != nil {
		return nil, mapError(key, err)
	}
	return ba, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	qry, err := query(ctx, "SELECT address FROM %s.%s WHERE address = ?;", connectionBook().Read, key)
	if err != nil {
		return false, err
	}
	var a string
	if err := qry.Scan(&a); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		return false, mapError(key, err)
	}
	return true, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	applied, err := s.cas(ctx, key, "DELETE FROM %s.%s WHERE address = ? IF EXISTS;", connectionBook().Remove, key)
	if err != nil {
		return err
	}
	if !applied {
		return objectstore.NewError(objectstore.NotFound, key, "key %s not found", key)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	qry, err := query(ctx, "SELECT address FROM %s.%s;", connectionBook().List)
	if err != nil {
		return nil, err
	}
	iter := qry.Iter()
	var keys []string
	var a string
	for iter.Scan(&a) {
		keys = append(keys, a)
	}
	if err := iter.Close(); err != nil {
		return nil, mapError("list", err)
	}
	return keys, nil
}

func (s *Store) Params() string {
	if connection == nil {
		return "cassandra:closed"
	}
	return fmt.Sprintf("cassandra:%v/%s.%s", connection.Config.ClusterHosts, connection.Config.Keyspace, tableName)
}

// Close leaves the global connection open, CloseConnection closes it.
func (s *Store) Close() error {
	return nil
}

func connectionBook() ConsistencyBook {
	if connection == nil {
		return ConsistencyBook{}
	}
	return connection.Config.ConsistencyBook
}
