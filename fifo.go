package objectstore

import (
	"context"
)

// FIFOCompactionThreshold is the read pointer position past which consumed entries are dropped.
const FIFOCompactionThreshold = 50

// FIFOPayload is an append-only address list with a read pointer at the logical head.
type FIFOPayload struct {
	Name        string   `json:"name"`
	Entries     []string `json:"entries"`
	ReadPointer int      `json:"readPointer"`
}

func (*FIFOPayload) ObjectType() ObjectType { return TypeFIFO }

// Size is the number of entries not consumed yet.
func (p *FIFOPayload) Size() int {
	return len(p.Entries) - p.ReadPointer
}

// Contents returns the pending entries in queue order.
func (p *FIFOPayload) Contents() []string {
	r := make([]string, p.Size())
	copy(r, p.Entries[p.ReadPointer:])
	return r
}

// Push appends addr at the tail.
func (p *FIFOPayload) Push(addr string) {
	p.Entries = append(p.Entries, addr)
}

// PushIfNotPresent appends addr unless it is already pending. It reports whether addr was added.
func (p *FIFOPayload) PushIfNotPresent(addr string) bool {
	for _, e := range p.Entries[p.ReadPointer:] {
		if e == addr {
			return false
		}
	}
	p.Push(addr)
	return true
}

// Peek returns the head entry or ErrEmpty.
func (p *FIFOPayload) Peek() (string, error) {
	if p.Size() <= 0 {
		return "", ErrEmpty
	}
	return p.Entries[p.ReadPointer], nil
}

// Pop consumes the head entry and compacts once enough entries were consumed.
func (p *FIFOPayload) Pop() error {
	if p.Size() <= 0 {
		return ErrEmpty
	}
	p.ReadPointer++
	if p.ReadPointer > FIFOCompactionThreshold {
		p.Entries = append([]string(nil), p.Entries[p.ReadPointer:]...)
		p.ReadPointer = 0
	}
	return nil
}

// FIFO is an ordered queue container.
type FIFO struct {
	StoredObject[*FIFOPayload]
}

// NewFIFO returns an unloaded view of the FIFO at address.
func NewFIFO(backend Backend, address string) *FIFO {
	return &FIFO{StoredObject: *NewStoredObject[*FIFOPayload](backend, address, TypeFIFO)}
}

// Initialize prepares an empty, named queue owned by owner. backupOwner records where the
// queue is referenced from.
func (f *FIFO) Initialize(name, owner, backupOwner string) error {
	if err := f.StoredObject.Initialize(&FIFOPayload{Name: name}); err != nil {
		return err
	}
	f.owner = owner
	f.backup = backupOwner
	return nil
}

func (f *FIFO) Name() (string, error) {
	p, err := f.Payload()
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

func (f *FIFO) Size() (int, error) {
	p, err := f.Payload()
	if err != nil {
		return 0, err
	}
	return p.Size(), nil
}

func (f *FIFO) Contents() ([]string, error) {
	p, err := f.Payload()
	if err != nil {
		return nil, err
	}
	return p.Contents(), nil
}

func (f *FIFO) Peek() (string, error) {
	p, err := f.Payload()
	if err != nil {
		return "", err
	}
	return p.Peek()
}

func (f *FIFO) Push(addr string) error {
	p, err := f.MutablePayload()
	if err != nil {
		return err
	}
	p.Push(addr)
	return nil
}

func (f *FIFO) PushIfNotPresent(addr string) (bool, error) {
	p, err := f.MutablePayload()
	if err != nil {
		return false, err
	}
	return p.PushIfNotPresent(addr), nil
}

func (f *FIFO) Pop() error {
	p, err := f.MutablePayload()
	if err != nil {
		return err
	}
	return p.Pop()
}

// SizeNoLock reads the queue size from an unlocked snapshot, for monitoring.
func (f *FIFO) SizeNoLock(ctx context.Context) (int, error) {
	v := NewFIFO(f.backend, f.address)
	if err := v.FetchNoLock(ctx); err != nil {
		return 0, err
	}
	return v.Size()
}
