package fs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// fileIOSimulator delegates to the real FileIO and fails the selected operation on names
// containing a marker.
type fileIOSimulator struct {
	FileIO
	failOp     atomic.Value // string
	failMarker atomic.Value // string
}

func newFileIOSim() *fileIOSimulator {
	sim := &fileIOSimulator{FileIO: NewFileIO()}
	sim.reset()
	return sim
}

// failOn makes op fail for names containing marker. An empty marker matches every name.
func (sim *fileIOSimulator) failOn(op, marker string) {
	sim.failMarker.Store(marker)
	sim.failOp.Store(op)
}

func (sim *fileIOSimulator) reset() {
	sim.failOp.Store("")
	sim.failMarker.Store("")
}

func (sim *fileIOSimulator) induced(op, name string) error {
	if sim.failOp.Load().(string) != op {
		return nil
	}
	if m := sim.failMarker.Load().(string); m != "" && !strings.Contains(name, m) {
		return nil
	}
	return fmt.Errorf("induced %s error on %s", op, name)
}

func (sim *fileIOSimulator) WriteFileSync(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := sim.induced("write", name); err != nil {
		return err
	}
	return sim.FileIO.WriteFileSync(ctx, name, data, perm)
}

func (sim *fileIOSimulator) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := sim.induced("read", name); err != nil {
		return nil, err
	}
	return sim.FileIO.ReadFile(ctx, name)
}

func (sim *fileIOSimulator) Rename(ctx context.Context, oldName, newName string) error {
	if err := sim.induced("rename", newName); err != nil {
		return err
	}
	return sim.FileIO.Rename(ctx, oldName, newName)
}

func (sim *fileIOSimulator) Link(ctx context.Context, oldName, newName string) error {
	if err := sim.induced("link", newName); err != nil {
		return err
	}
	return sim.FileIO.Link(ctx, oldName, newName)
}

func (sim *fileIOSimulator) Remove(ctx context.Context, name string) error {
	if err := sim.induced("remove", name); err != nil {
		return err
	}
	return sim.FileIO.Remove(ctx, name)
}
