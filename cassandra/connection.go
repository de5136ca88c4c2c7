package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/objectstore"
)

// Config contains configuration for connecting to a Cassandra cluster and the store keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace holding the objects table.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	Create    gocql.Consistency
	Overwrite gocql.Consistency
	Read      gocql.Consistency
	Remove    gocql.Consistency
	List      gocql.Consistency
}

// ConfigFromOptions converts the store's Cassandra settings.
func ConfigFromOptions(c objectstore.CassandraConfig) (Config, error) {
	cfg := Config{
		ClusterHosts:      c.Hosts,
		Keyspace:          c.Keyspace,
		ConnectionTimeout: c.ConnectionTimeout,
		ReplicationClause: c.Replication,
	}
	if c.Consistency != "" {
		cl, err := gocql.ParseConsistencyWrapper(c.Consistency)
		if err != nil {
			return Config{}, objectstore.WrapError(objectstore.InvalidArgument, "consistency", err)
		}
		cfg.Consistency = cl
	}
	return cfg, nil
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
// The keyspace and objects table are created if missing.
func OpenConnection(config Config) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "objectstore"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	cluster.SerialConsistency = gocql.LocalSerial
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		config.Authenticator = nil
	}
	var c = Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, objectstore.WrapError(objectstore.LostConnection, "cassandra", err)
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		s.Close()
		return nil, err
	}
	// Auto create the "objects" table if not yet.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (address text PRIMARY KEY, value blob);", config.Keyspace, tableName)).Exec(); err != nil {
		s.Close()
		return nil, err
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return
	}
	connection.Session.Close()
	connection = nil
}
