package objectstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sharedcode/objectstore/encoding"
)

// ObjectType is the type tag stored with every record.
type ObjectType string

const (
	TypeRootEntry     ObjectType = "RootEntry"
	TypeAgentRegister ObjectType = "AgentRegister"
	TypeAgent         ObjectType = "Agent"
	TypeFIFO          ObjectType = "FIFO"
	TypeWorkItem      ObjectType = "WorkItem"
)

// Payload is the type specific section of a record.
type Payload interface {
	ObjectType() ObjectType
}

// Record is the single tagged-variant shape every stored object has.
type Record struct {
	Address     string
	Type        ObjectType
	Owner       string
	BackupOwner string
	Payload     Payload
}

// Codec turns records into backend bytes and back. Swapping the codec does not touch
// lock or ownership logic.
type Codec interface {
	Encode(r *Record) ([]byte, error)
	// Decode parses data stored at address. It fails with ErrCorrupt when data does not
	// parse and with ErrTypeMismatch when the tag has no registered payload variant.
	Decode(address string, data []byte) (*Record, error)
}

var (
	payloadTypesMu sync.RWMutex
	payloadTypes   = map[ObjectType]func() Payload{
		TypeRootEntry:     func() Payload { return &RootEntryPayload{} },
		TypeAgentRegister: func() Payload { return &AgentRegisterPayload{} },
		TypeAgent:         func() Payload { return &AgentPayload{} },
		TypeFIFO:          func() Payload { return &FIFOPayload{} },
		TypeWorkItem:      func() Payload { return &WorkItemPayload{} },
	}
)

// RegisterPayloadType adds an application payload variant. newPayload must return a pointer
// whose ObjectType() is t. Registering a built-in tag is an error.
func RegisterPayloadType(t ObjectType, newPayload func() Payload) error {
	payloadTypesMu.Lock()
	defer payloadTypesMu.Unlock()
	if _, ok := payloadTypes[t]; ok {
		return NewError(InvalidArgument, string(t), "payload type already registered")
	}
	if p := newPayload(); p == nil || p.ObjectType() != t {
		return NewError(InvalidArgument, string(t), "payload factory does not produce type %s", t)
	}
	payloadTypes[t] = newPayload
	return nil
}

// NewPayload instantiates an empty payload for t.
func NewPayload(t ObjectType) (Payload, error) {
	payloadTypesMu.RLock()
	f, ok := payloadTypes[t]
	payloadTypesMu.RUnlock()
	if !ok {
		return nil, NewError(TypeMismatch, string(t), "unknown object type")
	}
	return f(), nil
}

// JSONCodec encodes records as a json envelope with a raw payload section.
type JSONCodec struct {
	Marshaler encoding.Marshaler
}

// DefaultCodec is used by objects that were not given a codec explicitly.
var DefaultCodec Codec = JSONCodec{Marshaler: encoding.DefaultMarshaler}

type envelope struct {
	Type        ObjectType      `json:"type"`
	Owner       string          `json:"owner"`
	BackupOwner string          `json:"backupOwner"`
	Payload     json.RawMessage `json:"payload"`
}

func (c JSONCodec) marshaler() encoding.Marshaler {
	if c.Marshaler == nil {
		return encoding.DefaultMarshaler
	}
	return c.Marshaler
}

func (c JSONCodec) Encode(r *Record) ([]byte, error) {
	if r.Payload == nil {
		return nil, NewError(InvalidArgument, r.Address, "record has no payload")
	}
	if r.Payload.ObjectType() != r.Type {
		return nil, NewError(TypeMismatch, r.Address, "payload is %s, record is %s", r.Payload.ObjectType(), r.Type)
	}
	pb, err := c.marshaler().Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload of %s: %w", r.Address, err)
	}
	return c.marshaler().Marshal(envelope{
		Type:        r.Type,
		Owner:       r.Owner,
		BackupOwner: r.BackupOwner,
		Payload:     pb,
	})
}

func (c JSONCodec) Decode(address string, data []byte) (*Record, error) {
	var env envelope
	if err := c.marshaler().Unmarshal(data, &env); err != nil {
		return nil, Error{Code: Corrupt, Err: err, UserData: address}
	}
	if env.Type == "" {
		return nil, NewError(Corrupt, address, "record has no type tag")
	}
	p, err := NewPayload(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := c.marshaler().Unmarshal(env.Payload, p); err != nil {
			return nil, Error{Code: Corrupt, Err: err, UserData: address}
		}
	}
	return &Record{
		Address:     address,
		Type:        env.Type,
		Owner:       env.Owner,
		BackupOwner: env.BackupOwner,
		Payload:     p,
	}, nil
}
