// Package fs contains the local directory Backend: one file per object, a companion lock file
// per object held with an advisory file lock, and overwrites done by temp file + rename.
package fs

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sharedcode/objectstore"
)

const (
	permission = 0o644
	lockSuffix = ".lock"
	tmpInfix   = ".tmp-"
)

// Backend stores objects as files of one directory.
type Backend struct {
	dir    string
	fileIO FileIO
	pool   *handlePool
}

// NewBackend opens (creating it if needed) the store folder dir. maxOpenLocks bounds the lock
// files held open at once by this instance, 0 means unbounded.
func NewBackend(ctx context.Context, dir string, maxOpenLocks int) (*Backend, error) {
	return NewBackendWithFileIO(ctx, dir, maxOpenLocks, NewFileIO())
}

// NewBackendWithFileIO is NewBackend with a custom FileIO, e.g. one simulating failures.
func NewBackendWithFileIO(ctx context.Context, dir string, maxOpenLocks int, fio FileIO) (*Backend, error) {
	if dir == "" {
		return nil, objectstore.NewError(objectstore.InvalidArgument, "dir", "store folder can't be empty")
	}
	if err := fio.MkdirAll(ctx, dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store folder %s: %w", dir, err)
	}
	return &Backend{
		dir:    dir,
		fileIO: fio,
		pool:   newHandlePool(maxOpenLocks),
	}, nil
}

// fileName maps a key to a file name. Names starting with a dot are reserved for lock and
// temp files.
func fileName(key string) string {
	n := url.PathEscape(key)
	if strings.HasPrefix(n, ".") {
		n = "%2E" + n[1:]
	}
	return n
}

func (b *Backend) dataPath(key string) string {
	return filepath.Join(b.dir, fileName(key))
}

func (b *Backend) lockPath(key string) string {
	return filepath.Join(b.dir, "."+fileName(key)+lockSuffix)
}

func (b *Backend) tempPath(key string) string {
	return filepath.Join(b.dir, "."+fileName(key)+tmpInfix+objectstore.NewUUID().String())
}

func notFound(key string, err error) error {
	return objectstore.Error{Code: objectstore.NotFound, Err: err, UserData: key}
}

// writeTemp writes value to a new temp file and returns its path.
func (b *Backend) writeTemp(ctx context.Context, key string, value []byte) (string, error) {
	tmp := b.tempPath(key)
	if err := b.fileIO.WriteFileSync(ctx, tmp, value, permission); err != nil {
		b.removeTemp(ctx, tmp)
		return "", err
	}
	return tmp, nil
}

func (b *Backend) removeTemp(ctx context.Context, tmp string) {
	if err := b.fileIO.Remove(ctx, tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove temp file", "file", tmp, "error", err.Error())
	}
}

// Create writes the value to a temp file and hard links it under the final name, which fails
// if the name is taken. The object never shows up half written.
func (b *Backend) Create(ctx context.Context, key string, value []byte) error {
	tmp, err := b.writeTemp(ctx, key, value)
	if err != nil {
		return err
	}
	defer b.removeTemp(ctx, tmp)
	if err := b.fileIO.Link(ctx, tmp, b.dataPath(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return objectstore.Error{Code: objectstore.AlreadyExists, Err: err, UserData: key}
		}
		return err
	}
	return nil
}

// AtomicOverwrite writes to a temp file then renames it over the object.
func (b *Backend) AtomicOverwrite(ctx context.Context, key string, value []byte) error {
	if ok, err := b.Exists(ctx, key); err != nil {
		return err
	} else if !ok {
		return notFound(key, fmt.Errorf("overwrite of absent object %s", key))
	}
	tmp, err := b.writeTemp(ctx, key, value)
	if err != nil {
		return err
	}
	if err := b.fileIO.Rename(ctx, tmp, b.dataPath(key)); err != nil {
		b.removeTemp(ctx, tmp)
		return err
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	ba, err := b.fileIO.ReadFile(ctx, b.dataPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(key, err)
		}
		return nil, err
	}
	return ba, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	return b.fileIO.Exists(ctx, b.dataPath(key))
}

// Remove deletes the object then its lock file. A process still waiting on the old lock file
// finds the object gone once it gets the lock.
func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.fileIO.Remove(ctx, b.dataPath(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return notFound(key, err)
		}
		return err
	}
	if err := b.fileIO.Remove(ctx, b.lockPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove lock file", "key", key, "error", err.Error())
	}
	return nil
}

// List returns the keys of all objects in the folder, sorted.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	des, err := b.fileIO.ReadDir(ctx, b.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(des))
	for _, de := range des {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		k, err := url.PathUnescape(de.Name())
		if err != nil {
			log.Warn("skipping foreign file in store folder", "file", de.Name())
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (b *Backend) Params() string {
	return "directory:" + b.dir
}

// Close releases nothing: lock files are closed on unlock.
func (b *Backend) Close() error {
	return nil
}

// Dir returns the store folder.
func (b *Backend) Dir() string {
	return b.dir
}
