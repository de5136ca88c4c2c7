package objectstore

import (
	"context"
	"fmt"

	"github.com/sharedcode/objectstore/encoding"
)

type objectState int

const (
	// stateNew: not fetched, nothing readable.
	stateNew objectState = iota
	// stateInitialized: built in memory with Initialize, not inserted yet.
	stateInitialized
	// stateFetched: loaded while holding a lock.
	stateFetched
	// stateSnapshot: loaded with FetchNoLock, read only.
	stateSnapshot
	// stateRemoved: deleted from the backend through this view.
	stateRemoved
)

// StoredObject is the persisted record pattern shared by every object type. One value is a
// single view of the record: it is not safe for concurrent use, and what it fetched is only
// valid while the lock that produced it is held.
type StoredObject[P Payload] struct {
	backend  Backend
	codec    Codec
	address  string
	objType  ObjectType
	owner    string
	backup   string
	payload  P
	state    objectState
	lockMode LockMode
}

// GenericObject is a view that accepts any registered type tag.
type GenericObject = StoredObject[Payload]

// NewStoredObject returns an unloaded view of the object at address. objType is the tag
// Fetch expects; leave it empty to accept any registered tag.
func NewStoredObject[P Payload](backend Backend, address string, objType ObjectType) *StoredObject[P] {
	return &StoredObject[P]{
		backend: backend,
		codec:   DefaultCodec,
		address: address,
		objType: objType,
	}
}

// NewGenericObject returns a view accepting any type tag.
func NewGenericObject(backend Backend, address string) *GenericObject {
	return NewStoredObject[Payload](backend, address, "")
}

func (o *StoredObject[P]) Address() string {
	return o.address
}

func (o *StoredObject[P]) Backend() Backend {
	return o.backend
}

// LockMode returns the lock this view currently holds.
func (o *StoredObject[P]) LockMode() LockMode {
	return o.lockMode
}

func (o *StoredObject[P]) setLockMode(m LockMode) {
	o.lockMode = m
	if m == Unlocked && o.state == stateFetched {
		// Whatever was read under the lock is stale now.
		o.state = stateNew
		var zero P
		o.payload = zero
	}
}

// SetCodec swaps the record encoding used by this view.
func (o *StoredObject[P]) SetCodec(c Codec) {
	o.codec = c
}

// Type returns the tag of the loaded record, or the expected tag when nothing is loaded.
func (o *StoredObject[P]) Type() ObjectType {
	if o.state != stateNew && o.state != stateRemoved {
		var p Payload = o.payload
		if p != nil {
			return p.ObjectType()
		}
	}
	return o.objType
}

// Initialize builds a brand new record in memory, ready for Insert.
func (o *StoredObject[P]) Initialize(payload P) error {
	var p Payload = payload
	if p == nil {
		return NewError(InvalidArgument, o.address, "nil payload")
	}
	if o.objType != "" && p.ObjectType() != o.objType {
		return NewError(TypeMismatch, o.address, "payload is %s, object is %s", p.ObjectType(), o.objType)
	}
	if o.state != stateNew {
		return NewError(InvalidArgument, o.address, "object view already loaded")
	}
	o.payload = payload
	o.owner = ""
	o.backup = ""
	o.state = stateInitialized
	return nil
}

// Insert creates the record. It fails with ErrAlreadyExists if the address is taken.
func (o *StoredObject[P]) Insert(ctx context.Context) error {
	if o.state != stateInitialized {
		return NewError(InvalidArgument, o.address, "insert of an object that was not initialized")
	}
	ba, err := o.encode()
	if err != nil {
		return err
	}
	if err := o.backend.Create(ctx, o.address, ba); err != nil {
		return err
	}
	// The new record is not locked by this view.
	o.state = stateNew
	var zero P
	o.payload = zero
	return nil
}

// Fetch reads and decodes the record. The view must hold a lock on it.
func (o *StoredObject[P]) Fetch(ctx context.Context) error {
	if o.lockMode == Unlocked {
		return NewError(NotLocked, o.address, "fetch without a lock")
	}
	if err := o.load(ctx); err != nil {
		return err
	}
	o.state = stateFetched
	return nil
}

// FetchNoLock reads a snapshot without locking. The snapshot can be read but never committed.
func (o *StoredObject[P]) FetchNoLock(ctx context.Context) error {
	if err := o.load(ctx); err != nil {
		return err
	}
	o.state = stateSnapshot
	return nil
}

func (o *StoredObject[P]) load(ctx context.Context) error {
	ba, err := o.backend.Read(ctx, o.address)
	if err != nil {
		return err
	}
	r, err := o.codec.Decode(o.address, ba)
	if err != nil {
		return err
	}
	if o.objType != "" && r.Type != o.objType {
		return NewError(TypeMismatch, o.address, "stored type is %s, expected %s", r.Type, o.objType)
	}
	p, ok := r.Payload.(P)
	if !ok {
		return NewError(TypeMismatch, o.address, "payload %T does not fit this view", r.Payload)
	}
	o.payload = p
	o.owner = r.Owner
	o.backup = r.BackupOwner
	return nil
}

// Commit writes the record back. The view must hold the exclusive lock and have fetched it.
func (o *StoredObject[P]) Commit(ctx context.Context) error {
	if o.lockMode != Exclusive {
		return NewError(NotLocked, o.address, "commit without an exclusive lock")
	}
	if o.state != stateFetched {
		return NewError(InvalidArgument, o.address, "commit of an object that was not fetched")
	}
	ba, err := o.encode()
	if err != nil {
		return err
	}
	return o.backend.AtomicOverwrite(ctx, o.address, ba)
}

// Remove deletes the record. The view must hold the exclusive lock.
func (o *StoredObject[P]) Remove(ctx context.Context) error {
	if o.lockMode != Exclusive {
		return NewError(NotLocked, o.address, "remove without an exclusive lock")
	}
	if err := o.backend.Remove(ctx, o.address); err != nil {
		return err
	}
	o.state = stateRemoved
	var zero P
	o.payload = zero
	return nil
}

// Exists reports whether the record is present in the backend.
func (o *StoredObject[P]) Exists(ctx context.Context) (bool, error) {
	return o.backend.Exists(ctx, o.address)
}

func (o *StoredObject[P]) encode() ([]byte, error) {
	var p Payload = o.payload
	return o.codec.Encode(&Record{
		Address:     o.address,
		Type:        p.ObjectType(),
		Owner:       o.owner,
		BackupOwner: o.backup,
		Payload:     p,
	})
}

func (o *StoredObject[P]) checkReadable() error {
	switch o.state {
	case stateInitialized, stateSnapshot:
		return nil
	case stateFetched:
		if o.lockMode != Unlocked {
			return nil
		}
	}
	return NewError(NotLocked, o.address, "payload not readable, lock and fetch first")
}

func (o *StoredObject[P]) checkWritable() error {
	switch o.state {
	case stateInitialized:
		return nil
	case stateFetched:
		if o.lockMode == Exclusive {
			return nil
		}
	}
	return NewError(NotLocked, o.address, "payload not writable, lock exclusively and fetch first")
}

// Payload returns the loaded payload for reading.
func (o *StoredObject[P]) Payload() (P, error) {
	if err := o.checkReadable(); err != nil {
		var zero P
		return zero, err
	}
	return o.payload, nil
}

// MutablePayload returns the loaded payload for modification before a Commit.
func (o *StoredObject[P]) MutablePayload() (P, error) {
	if err := o.checkWritable(); err != nil {
		var zero P
		return zero, err
	}
	return o.payload, nil
}

func (o *StoredObject[P]) Owner() (string, error) {
	if err := o.checkReadable(); err != nil {
		return "", err
	}
	return o.owner, nil
}

func (o *StoredObject[P]) SetOwner(owner string) error {
	if err := o.checkWritable(); err != nil {
		return err
	}
	o.owner = owner
	return nil
}

func (o *StoredObject[P]) BackupOwner() (string, error) {
	if err := o.checkReadable(); err != nil {
		return "", err
	}
	return o.backup, nil
}

func (o *StoredObject[P]) SetBackupOwner(owner string) error {
	if err := o.checkWritable(); err != nil {
		return err
	}
	o.backup = owner
	return nil
}

// Record returns a copy of the loaded header with the payload.
func (o *StoredObject[P]) Record() (Record, error) {
	if err := o.checkReadable(); err != nil {
		return Record{}, err
	}
	var p Payload = o.payload
	return Record{
		Address:     o.address,
		Type:        p.ObjectType(),
		Owner:       o.owner,
		BackupOwner: o.backup,
		Payload:     p,
	}, nil
}

// Dump renders the loaded record for humans.
func (o *StoredObject[P]) Dump() (string, error) {
	r, err := o.Record()
	if err != nil {
		return "", err
	}
	ba, err := encoding.DumpMarshaler.Marshal(struct {
		Address     string     `json:"address"`
		Type        ObjectType `json:"type"`
		Owner       string     `json:"owner"`
		BackupOwner string     `json:"backupOwner"`
		Payload     Payload    `json:"payload"`
	}{r.Address, r.Type, r.Owner, r.BackupOwner, r.Payload})
	if err != nil {
		return "", fmt.Errorf("dumping %s: %w", o.address, err)
	}
	return string(ba), nil
}
