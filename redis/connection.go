package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/objectstore"
)

// Redis configurable options.
type Options struct {
	// Redis server(cluster) address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// URL, when set, overrides Address, Password and DB.
	URL string
	// TLS config.
	TLSConfig *tls.Config
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// OptionsFromConfig converts the store configuration.
func OptionsFromConfig(c objectstore.RedisConfig) Options {
	o := DefaultOptions()
	if c.Address != "" {
		o.Address = c.Address
	}
	o.Password = c.Password
	o.DB = c.DB
	o.URL = c.URL
	return o
}

var connection *Connection
var mux sync.Mutex

// Returns true if connection instance is valid.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// Creates a singleton connection and returns it for every call.
func OpenConnection(options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	c, err := openConnection(options)
	if err != nil {
		return nil, err
	}
	connection = c
	return connection, nil
}

// Close the singleton connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

// NewConnection opens a connection that is not shared, the caller closes it.
func NewConnection(options Options) (*Connection, error) {
	return openConnection(options)
}

func openConnection(options Options) (*Connection, error) {
	ro := &redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
	}
	if options.URL != "" {
		var err error
		if ro, err = redis.ParseURL(options.URL); err != nil {
			return nil, objectstore.Error{Code: objectstore.InvalidArgument, Err: err, UserData: "redis url"}
		}
		if options.TLSConfig != nil {
			ro.TLSConfig = options.TLSConfig
		}
	}
	return &Connection{
		Client:  redis.NewClient(ro),
		Options: options,
	}, nil
}

// Close the connection if open.
func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

// Ping tests connectivity.
func (c *Connection) Ping(ctx context.Context) error {
	return mapError("ping", c.Client.Ping(ctx).Err())
}

// isConnectionError detects network failures, which are reported as LostConnection.
func isConnectionError(err error) bool {
	// context.DeadlineExceeded satisfies net.Error too.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, redis.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// mapError translates go-redis errors into object store errors.
func mapError(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return objectstore.Error{Code: objectstore.NotFound, Err: err, UserData: key}
	}
	if isConnectionError(err) {
		return objectstore.Error{Code: objectstore.LostConnection, Err: err, UserData: key}
	}
	return err
}
