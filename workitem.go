package objectstore

import (
	"maps"

	"github.com/sharedcode/objectstore/encoding"
)

// WorkItemPayload is an application work item, e.g. an archive or retrieve request.
// Attributes are what routing rules look at, Data is opaque.
type WorkItemPayload struct {
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       []byte            `json:"data,omitempty"`
}

func (*WorkItemPayload) ObjectType() ObjectType { return TypeWorkItem }

// WorkItem is a unit of work moved between queues and agents.
type WorkItem struct {
	StoredObject[*WorkItemPayload]
}

func NewWorkItem(backend Backend, address string) *WorkItem {
	return &WorkItem{StoredObject: *NewStoredObject[*WorkItemPayload](backend, address, TypeWorkItem)}
}

// Initialize prepares a new work item. Ownership is set when it gets inserted, see InsertOwnedObject.
func (w *WorkItem) Initialize(kind string, attributes map[string]string, data []byte) error {
	return w.StoredObject.Initialize(&WorkItemPayload{
		Kind:       kind,
		Attributes: maps.Clone(attributes),
		Data:       data,
	})
}

// SetAttribute sets one routing attribute.
func (w *WorkItem) SetAttribute(key, value string) error {
	p, err := w.MutablePayload()
	if err != nil {
		return err
	}
	if p.Attributes == nil {
		p.Attributes = make(map[string]string)
	}
	p.Attributes[key] = value
	return nil
}

// EncodeWorkItemData serializes v for WorkItemPayload.Data.
func EncodeWorkItemData[T any](v T) ([]byte, error) {
	return encoding.Marshal(v)
}

// DecodeWorkItemData deserializes WorkItemPayload.Data into a T.
func DecodeWorkItemData[T any](p *WorkItemPayload) (T, error) {
	var v T
	if len(p.Data) == 0 {
		return v, nil
	}
	err := encoding.Unmarshal(p.Data, &v)
	return v, err
}
