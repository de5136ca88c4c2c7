package fs

import (
	"context"
	"errors"
	"os"

	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objectstore"
)

// FileIO defines filesystem operations used by this package. The default
// implementation delegates to the standard library's os package with retry
// semantics for transient errors.
type FileIO interface {
	// WriteFileSync writes data and flushes it to stable storage before returning.
	WriteFileSync(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Rename(ctx context.Context, oldName, newName string) error
	// Link creates newName as a hard link to oldName, failing if newName exists.
	Link(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, path string) (bool, error)

	// Directory API.
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
	ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error)
}

type defaultFileIO struct {
}

// NewFileIO returns a FileIO that performs I/O via the os package with basic
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

// retryIO runs task, retrying it on transient errors. Permanent errors are returned as is.
func retryIO(ctx context.Context, task func() error) error {
	return objectstore.Retry(ctx, func(context.Context) error {
		err := task()
		if objectstore.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}

func (dio defaultFileIO) WriteFileSync(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	return retryIO(ctx, func() error {
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := retryIO(ctx, func() error {
		var err error
		ba, err = os.ReadFile(name)
		return err
	})
	return ba, err
}

func (dio defaultFileIO) Rename(ctx context.Context, oldName, newName string) error {
	return retryIO(ctx, func() error {
		return os.Rename(oldName, newName)
	})
}

func (dio defaultFileIO) Link(ctx context.Context, oldName, newName string) error {
	return retryIO(ctx, func() error {
		return os.Link(oldName, newName)
	})
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return retryIO(ctx, func() error {
		return os.Remove(name)
	})
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return retryIO(ctx, func() error {
		return os.MkdirAll(path, perm)
	})
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := retryIO(ctx, func() error {
		_, err := os.Stat(path)
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			found = false
			return nil
		}
		return err
	})
	return found, err
}

func (dio defaultFileIO) ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error) {
	var r []os.DirEntry
	err := retryIO(ctx, func() error {
		var err error
		r, err = os.ReadDir(sourceDir)
		return err
	})
	return r, err
}
