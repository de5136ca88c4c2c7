package redis

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objectstore"
)

const (
	// DefaultLeaseDuration is the lease TTL when none is configured.
	DefaultLeaseDuration = 30 * time.Second

	lockPollStart = 2 * time.Millisecond
	lockPollMax   = 100 * time.Millisecond
)

// Locker grants leases on Redis. An exclusive lease is the key "<prefix>L<key>" holding the
// lease ID. Shared leases are members of the sorted set "<prefix>R<key>" scored by their expiry
// in unix milliseconds. A pending writer holds L while readers drain, which keeps new readers out.
// Leases are renewed every third of their TTL while held, so a dead holder frees them on expiry.
type Locker struct {
	conn      *Connection
	prefix    string
	lease     time.Duration
	existence objectstore.ExistenceChecker
	isOwner   bool
}

// NewLocker returns a Locker on a connection the caller keeps ownership of.
func NewLocker(conn *Connection, prefix string, leaseDuration time.Duration) *Locker {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &Locker{
		conn:   conn,
		prefix: prefix,
		lease:  leaseDuration,
	}
}

// OpenLocker opens its own connection, closed with the Locker. Used to pair Redis leases with
// another store.
func OpenLocker(options Options, prefix string, leaseDuration time.Duration) (*Locker, error) {
	conn, err := NewConnection(options)
	if err != nil {
		return nil, err
	}
	l := NewLocker(conn, prefix, leaseDuration)
	l.isOwner = true
	return l, nil
}

// SetExistenceChecker makes locks on absent objects fail with NotFound. Without one, Redis keys
// "<prefix>O<key>" are checked.
func (l *Locker) SetExistenceChecker(ec objectstore.ExistenceChecker) {
	l.existence = ec
}

// FormatLockKey prefixes the key with 'L' to form the exclusive lease key.
func (l *Locker) FormatLockKey(k string) string {
	return fmt.Sprintf("%sL%s", l.prefix, k)
}

// FormatReadersKey prefixes the key with 'R' to form the shared lease set key.
func (l *Locker) FormatReadersKey(k string) string {
	return fmt.Sprintf("%sR%s", l.prefix, k)
}

type lease struct {
	key    string
	mode   objectstore.LockMode
	id     objectstore.UUID
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *lease) Key() string                { return h.key }
func (h *lease) Mode() objectstore.LockMode { return h.mode }

func (l *Locker) client() (*redis.Client, error) {
	if l.conn == nil || l.conn.Client == nil {
		return nil, objectstore.Error{Code: objectstore.LostConnection, Err: fmt.Errorf("redis connection is not open")}
	}
	return l.conn.Client, nil
}

func (l *Locker) exists(ctx context.Context, key string) (bool, error) {
	if l.existence != nil {
		return l.existence.Exists(ctx, key)
	}
	c, err := l.client()
	if err != nil {
		return false, err
	}
	n, err := c.Exists(ctx, fmt.Sprintf("%sO%s", l.prefix, key)).Result()
	if err != nil {
		return false, mapError(key, err)
	}
	return n == 1, nil
}

func (l *Locker) expiry() float64 {
	return float64(objectstore.Now().Add(l.lease).UnixMilli())
}

func (l *Locker) LockExclusive(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return l.lock(ctx, key, objectstore.Exclusive)
}

func (l *Locker) LockShared(ctx context.Context, key string) (objectstore.LockHandle, error) {
	return l.lock(ctx, key, objectstore.Shared)
}

func (l *Locker) lock(ctx context.Context, key string, mode objectstore.LockMode) (objectstore.LockHandle, error) {
	if ok, err := l.exists(ctx, key); err != nil {
		return nil, err
	} else if !ok {
		return nil, objectstore.NewError(objectstore.NotFound, key, "cannot lock absent object %s", key)
	}
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	h := &lease{key: key, mode: mode, id: objectstore.NewUUID()}

	try := l.tryShared
	if mode == objectstore.Exclusive {
		try = l.tryExclusive
	}
	claimed := false
	bo := retry.WithCappedDuration(lockPollMax, retry.NewExponential(lockPollStart))
	err = retry.Do(ctx, bo, func(ctx context.Context) error {
		granted, err := try(ctx, c, h, &claimed)
		if err != nil {
			return err
		}
		if !granted {
			return retry.RetryableError(errors.New("lease held"))
		}
		return nil
	})
	if err != nil {
		if claimed {
			// Give up the pending writer claim.
			l.release(context.WithoutCancel(ctx), c, h)
		}
		return nil, mapError(key, err)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.done = make(chan struct{})
	go l.renew(rctx, c, h)

	// The object may have been removed while we waited.
	if ok, err := l.exists(ctx, key); err != nil || !ok {
		l.Unlock(context.WithoutCancel(ctx), h)
		if err == nil {
			err = objectstore.NewError(objectstore.NotFound, key, "object %s removed while waiting for its lock", key)
		}
		return nil, err
	}
	return h, nil
}

// tryExclusive claims L then waits for live readers to leave.
func (l *Locker) tryExclusive(ctx context.Context, c *redis.Client, h *lease, claimed *bool) (bool, error) {
	lk := l.FormatLockKey(h.key)
	if !*claimed {
		ok, err := c.SetNX(ctx, lk, h.id.String(), l.lease).Result()
		if err != nil || !ok {
			return false, err
		}
		*claimed = true
	} else {
		// Keep the claim alive while readers drain, and restart if it was lost.
		ok, err := l.extendExclusive(ctx, c, h)
		if err != nil {
			return false, err
		}
		if !ok {
			*claimed = false
			return false, nil
		}
	}
	rk := l.FormatReadersKey(h.key)
	now := strconv.FormatInt(objectstore.Now().UnixMilli(), 10)
	if err := c.ZRemRangeByScore(ctx, rk, "-inf", now).Err(); err != nil {
		return false, err
	}
	n, err := c.ZCard(ctx, rk).Result()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// tryShared joins the readers set unless a writer holds or waits on L.
func (l *Locker) tryShared(ctx context.Context, c *redis.Client, h *lease, _ *bool) (bool, error) {
	lk := l.FormatLockKey(h.key)
	rk := l.FormatReadersKey(h.key)
	granted := false
	err := c.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, lk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, rk, redis.Z{Score: l.expiry(), Member: h.id.String()})
			pipe.PExpire(ctx, rk, l.lease)
			return nil
		})
		if err == nil {
			granted = true
		}
		return err
	}, lk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return granted, err
}

// extendExclusive pushes the expiry of L if it still holds our lease ID.
func (l *Locker) extendExclusive(ctx context.Context, c *redis.Client, h *lease) (bool, error) {
	lk := l.FormatLockKey(h.key)
	owned := false
	err := c.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, lk).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if v != h.id.String() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, lk, l.lease)
			return nil
		})
		if err == nil {
			owned = true
		}
		return err
	}, lk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return owned, err
}

func (l *Locker) extendShared(ctx context.Context, c *redis.Client, h *lease) (bool, error) {
	rk := l.FormatReadersKey(h.key)
	n, err := c.ZAddArgs(ctx, rk, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: l.expiry(), Member: h.id.String()}},
	}).Result()
	if err != nil {
		return false, err
	}
	if err := c.PExpire(ctx, rk, l.lease).Err(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *Locker) renew(ctx context.Context, c *redis.Client, h *lease) {
	defer close(h.done)
	t := time.NewTicker(l.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var ok bool
		var err error
		if h.mode == objectstore.Exclusive {
			ok, err = l.extendExclusive(ctx, c, h)
		} else {
			ok, err = l.extendShared(ctx, c, h)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("lease renewal failed", "key", h.key, "error", err.Error())
			continue
		}
		if !ok {
			log.Error("lease lost before release", "key", h.key, "mode", h.mode.String())
			return
		}
	}
}

// release deletes the lease if it is still ours.
func (l *Locker) release(ctx context.Context, c *redis.Client, h *lease) error {
	if h.mode == objectstore.Shared {
		return c.ZRem(ctx, l.FormatReadersKey(h.key), h.id.String()).Err()
	}
	lk := l.FormatLockKey(h.key)
	err := c.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, lk).Result()
		if err == redis.Nil || (err == nil && v != h.id.String()) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, lk)
			return nil
		})
		return err
	}, lk)
	if errors.Is(err, redis.TxFailedErr) {
		// L changed hands under us, so it is no longer ours to delete.
		return nil
	}
	return err
}

func (l *Locker) Unlock(ctx context.Context, lh objectstore.LockHandle) error {
	h, ok := lh.(*lease)
	if !ok {
		return objectstore.NewError(objectstore.InvalidArgument, lh.Key(), "foreign lock handle %T", lh)
	}
	released := true
	var err error
	h.once.Do(func() {
		released = false
		h.cancel()
		<-h.done
		var c *redis.Client
		if c, err = l.client(); err == nil {
			err = mapError(h.key, l.release(ctx, c, h))
		}
	})
	if released {
		return objectstore.NewError(objectstore.NotLocked, h.key, "lock already released")
	}
	return err
}

// Close closes the connection when this Locker opened it.
func (l *Locker) Close() error {
	if !l.isOwner || l.conn == nil {
		return nil
	}
	err := closeConnection(l.conn)
	l.conn = nil
	return err
}
