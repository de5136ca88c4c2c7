package objectstore

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// Task signals a retryable failure by returning retry.RetryableError(err).
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	return RetryWithBackoff(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(100*time.Millisecond)), task, gaveUpTask)
}

// RetryWithBackoff is Retry with a caller supplied backoff policy.
func RetryWithBackoff(ctx context.Context, b retry.Backoff, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	if err := retry.Do(ctx, b, task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// RetryOnLostConnection runs task and retries it while it fails with a retryable error
// (see ShouldRetry).
func RetryOnLostConnection(ctx context.Context, task func(ctx context.Context) error) error {
	return Retry(ctx, func(ctx context.Context) error {
		err := task(ctx)
		if ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known permanent failure).
// StillOwnsObjects, TypeMismatch and Corrupt point at a programming or data bug and are never retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch CodeOf(err) {
	case LostConnection, LockTimeout:
		return true
	case Unknown:
	default:
		return false
	}

	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.EEXIST),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	if strings.Contains(err.Error(), "read-only file system") {
		return false
	}
	return true
}
