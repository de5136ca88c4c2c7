// Package encoding holds the byte serialization used for object payloads.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is the global default marshaler, used by the record codec and option files.
var DefaultMarshaler = NewMarshaler()

// DumpMarshaler renders objects for humans (admin dumps). Same wire format as
// DefaultMarshaler, indented.
var DumpMarshaler = NewIndentMarshaler("  ")

type defaultMarshaler struct{}

// NewMarshaler returns the default marshaler which uses the golang's json package.
// Json was chosen as default because records stay readable with standard tools when an
// operator has to inspect or repair a store by hand.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type indentMarshaler struct {
	indent string
}

// NewIndentMarshaler returns a json marshaler producing indented output.
func NewIndentMarshaler(indent string) Marshaler {
	return &indentMarshaler{indent: indent}
}

func (m indentMarshaler) Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", m.indent)
}

func (m indentMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal that can do byte array pass-through.
func Marshal[T any](v T) ([]byte, error) {
	switch b := any(v).(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	default:
		return DefaultMarshaler.Marshal(v)
	}
}

// Unmarshal that can do byte array pass-through.
func Unmarshal[T any](ba []byte, v *T) error {
	if p, ok := any(v).(*[]byte); ok {
		*p = ba
		return nil
	}
	return DefaultMarshaler.Unmarshal(ba, v)
}
