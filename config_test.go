package objectstore_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sharedcode/objectstore"
)

func writeOptions(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "options.json")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writing options failed: %v", err)
	}
	return p
}

func TestLoadOptionsDefaults(t *testing.T) {
	t.Setenv("OBJECTSTORE_BACKEND", "")
	t.Setenv("OBJECTSTORE_DIR", "")
	t.Setenv("OBJECTSTORE_REDIS_URL", "")
	o, err := objectstore.LoadOptions("")
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if o.Backend != objectstore.Directory || o.Directory == "" {
		t.Fatalf("unexpected defaults %+v", o)
	}
	if o.AgentTimeout != objectstore.DefaultAgentTimeout || o.GCInterval != time.Minute {
		t.Fatalf("unexpected default timings %+v", o)
	}
}

func TestLoadOptionsFile(t *testing.T) {
	t.Setenv("OBJECTSTORE_BACKEND", "")
	t.Setenv("OBJECTSTORE_DIR", "")
	t.Setenv("OBJECTSTORE_REDIS_URL", "")
	p := writeOptions(t, `{
		"backend": "cassandra",
		"cassandra": {"hosts": ["c1", "c2"], "keyspace": "tapes", "connection_timeout": 10},
		"redis": {"address": "localhost:6379"},
		"lease_duration": 12,
		"agent_timeout": 90,
		"gc_concurrency": 8,
		"routing_rules": {"WorkItem": "\"q\""}
	}`)
	o, err := objectstore.LoadOptions(p)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if o.Backend != objectstore.CassandraBackend || o.Cassandra.Keyspace != "tapes" || len(o.Cassandra.Hosts) != 2 {
		t.Fatalf("unexpected cassandra settings %+v", o.Cassandra)
	}
	if o.Cassandra.ConnectionTimeout != 10*time.Second {
		t.Fatalf("ConnectionTimeout = %v, want 10s", o.Cassandra.ConnectionTimeout)
	}
	if o.LeaseDuration != 12*time.Second || o.AgentTimeout != 90*time.Second {
		t.Fatalf("durations not read as seconds: %v %v", o.LeaseDuration, o.AgentTimeout)
	}
	if o.GCInterval != time.Minute || o.ObjectLockTimeout != objectstore.DefaultObjectLockTimeout {
		t.Fatalf("defaults not kept for absent fields: %v %v", o.GCInterval, o.ObjectLockTimeout)
	}
	if o.GCConcurrency != 8 || o.RoutingRules["WorkItem"] != `"q"` {
		t.Fatalf("unexpected options %+v", o)
	}
}

func TestLoadOptionsEnvironment(t *testing.T) {
	t.Setenv("OBJECTSTORE_BACKEND", "redis")
	t.Setenv("OBJECTSTORE_DIR", "/var/lib/objectstore")
	t.Setenv("OBJECTSTORE_REDIS_URL", "redis://localhost:6379/2")
	o, err := objectstore.LoadOptions(writeOptions(t, `{"backend": "memory"}`))
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if o.Backend != objectstore.RedisBackend || o.Directory != "/var/lib/objectstore" {
		t.Fatalf("environment not applied: %+v", o)
	}
	if o.Redis == nil || o.Redis.URL != "redis://localhost:6379/2" {
		t.Fatalf("redis url not applied: %+v", o.Redis)
	}
}

func TestLoadOptionsErrors(t *testing.T) {
	t.Setenv("OBJECTSTORE_BACKEND", "")
	t.Setenv("OBJECTSTORE_DIR", "")
	t.Setenv("OBJECTSTORE_REDIS_URL", "")
	if _, err := objectstore.LoadOptions(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file accepted")
	}
	if _, err := objectstore.LoadOptions(writeOptions(t, `{"backend": `)); err == nil {
		t.Fatalf("malformed file accepted")
	}
	if _, err := objectstore.LoadOptions(writeOptions(t, `{"backend": "s3"}`)); !errors.Is(err, objectstore.ErrInvalidArgument) {
		t.Fatalf("s3 without bucket: got %v, want ErrInvalidArgument", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name string
		o    objectstore.Options
		ok   bool
	}{
		{"memory", objectstore.Options{Backend: objectstore.Memory}, true},
		{"directory", objectstore.Options{Backend: objectstore.Directory, Directory: "d"}, true},
		{"directory without folder", objectstore.Options{Backend: objectstore.Directory}, false},
		{"redis without settings", objectstore.Options{Backend: objectstore.RedisBackend}, false},
		{"redis", objectstore.Options{Backend: objectstore.RedisBackend, Redis: &objectstore.RedisConfig{Address: "h:1"}}, true},
		{"cassandra without keyspace", objectstore.Options{Backend: objectstore.CassandraBackend, Cassandra: &objectstore.CassandraConfig{Hosts: []string{"h"}}}, false},
		{"s3", objectstore.Options{Backend: objectstore.S3Backend, S3: &objectstore.S3Config{Bucket: "b"}}, true},
		{"unknown", objectstore.Options{Backend: "tape"}, false},
	}
	for _, c := range cases {
		err := c.o.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}
