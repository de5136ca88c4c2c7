// Package objectstore is a crash tolerant object store used to coordinate worker processes
// ("agents") that claim, hold and hand off work items without a central coordinator.
//
// Every object is a Record (address, type tag, owner, backup owner, payload) kept in a
// Backend that offers per key shared/exclusive locks and atomic overwrite. Concrete backends
// live in subpackages: inmemory, fs (local directory), redis, and the cassandra and aws_s3
// stores which pair with a Locker through Compose. The factory package opens the one
// selected by Options.
//
// Ownership of an object moves between queues (FIFO) and agents through PopFromContainer and
// PushToContainer. At every step at least one durable record points at the object, so the
// GarbageCollector can repost whatever a crashed agent held.
package objectstore

// Lock order
//
// Locks are per object and the backends never detect deadlocks, so multi object operations
// take locks in a fixed order:
//  1. RootEntry, then AgentRegister, then Agent (registration, maintenance).
//  2. Pop: container, then object, then agent.
//  3. Push and repost: object, then container, then agent.
//
// The agent lock is always taken last. Pop and push order the container and the object
// differently, which can only collide on a stale queue entry. Pop therefore waits on the
// object lock for a bounded time only and restarts after a random sleep.
