// Package factory opens the Backend selected by objectstore.Options and builds the routers and
// collectors a process wires on top of it.
package factory

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/objectstore"
	"github.com/sharedcode/objectstore/aws_s3"
	"github.com/sharedcode/objectstore/cassandra"
	"github.com/sharedcode/objectstore/cel"
	"github.com/sharedcode/objectstore/fs"
	"github.com/sharedcode/objectstore/inmemory"
	"github.com/sharedcode/objectstore/redis"
)

// backendCloser runs extra teardown after the Backend's own Close.
type backendCloser struct {
	objectstore.Backend
	onClose func()
}

func (b *backendCloser) Close() error {
	err := b.Backend.Close()
	b.onClose()
	return err
}

// connectCassandra opens the shared Cassandra session.
var connectCassandra = func(cfg cassandra.Config) error {
	_, err := cassandra.OpenConnection(cfg)
	return err
}

// OpenBackend opens the Backend of opts. Stores without locks of their own (Cassandra, S3) are
// composed with Redis leases when Redis settings are present, otherwise with an in-process
// Locker, which is only safe when a single process uses the store.
func OpenBackend(ctx context.Context, opts objectstore.Options) (objectstore.Backend, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Backend {
	case objectstore.Memory:
		return inmemory.NewBackend(), nil
	case objectstore.Directory:
		b, err := fs.NewBackend(ctx, opts.Directory, opts.MaxOpenLocks)
		if err != nil {
			return nil, err
		}
		return b, nil
	case objectstore.RedisBackend:
		return redis.NewBackend(redis.OptionsFromConfig(*opts.Redis), opts.Redis.Prefix, opts.LeaseDuration)
	case objectstore.CassandraBackend:
		cfg, err := cassandra.ConfigFromOptions(*opts.Cassandra)
		if err != nil {
			return nil, err
		}
		if err := objectstore.RetryOnLostConnection(ctx, func(context.Context) error {
			return connectCassandra(cfg)
		}); err != nil {
			return nil, err
		}
		locker, err := openLocker(opts)
		if err != nil {
			cassandra.CloseConnection()
			return nil, err
		}
		return &backendCloser{
			Backend: objectstore.Compose(cassandra.NewStore(), locker),
			onClose: cassandra.CloseConnection,
		}, nil
	case objectstore.S3Backend:
		client := aws_s3.Connect(aws_s3.ConfigFromOptions(*opts.S3))
		store, err := aws_s3.NewStore(client, opts.S3.Bucket, opts.S3.Prefix)
		if err != nil {
			return nil, err
		}
		if err := store.CreateBucket(ctx, opts.S3.Region); err != nil {
			return nil, err
		}
		locker, err := openLocker(opts)
		if err != nil {
			return nil, err
		}
		return objectstore.Compose(store, locker), nil
	}
	return nil, objectstore.NewError(objectstore.InvalidArgument, string(opts.Backend), "unknown backend type")
}

func openLocker(opts objectstore.Options) (objectstore.Locker, error) {
	if opts.Redis == nil {
		log.Warn("no redis settings, using in-process locks", "backend", string(opts.Backend))
		return inmemory.NewLocker(), nil
	}
	return redis.OpenLocker(redis.OptionsFromConfig(*opts.Redis), opts.Redis.Prefix, opts.LeaseDuration)
}

// NewAgent returns an unregistered agent whose pops wait opts.ObjectLockTimeout on an object lock.
func NewAgent(backend objectstore.Backend, typeName string, opts objectstore.Options) *objectstore.Agent {
	a := objectstore.NewAgent(backend, typeName)
	if opts.ObjectLockTimeout > 0 {
		a.SetObjectLockTimeout(opts.ObjectLockTimeout)
	}
	return a
}

// NewRouter returns the CEL router of opts.RoutingRules chained before the backup owner router,
// or the backup owner router alone when there are no rules.
func NewRouter(agent *objectstore.Agent, opts objectstore.Options) (objectstore.Router, error) {
	fallback := objectstore.BackupOwnerRouter{Backend: agent.Backend()}
	if len(opts.RoutingRules) == 0 {
		return fallback, nil
	}
	r, err := cel.NewRouter(agent, opts.RoutingRules)
	if err != nil {
		return nil, fmt.Errorf("compiling routing rules: %w", err)
	}
	return objectstore.ChainRouter{r, fallback}, nil
}

// NewGarbageCollector builds a collector for agent with the router and timings of opts. Types
// with a routing rule are reclaimed by reposting.
func NewGarbageCollector(agent *objectstore.Agent, opts objectstore.Options) (*objectstore.GarbageCollector, error) {
	router, err := NewRouter(agent, opts)
	if err != nil {
		return nil, err
	}
	gc := objectstore.NewGarbageCollector(agent, router, opts.GCConcurrency)
	if opts.AgentTimeout > 0 {
		gc.SetAgentTimeout(opts.AgentTimeout)
	}
	for t := range opts.RoutingRules {
		gc.SetRoutable(objectstore.ObjectType(t))
	}
	return gc, nil
}
