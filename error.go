package objectstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies object store failures.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// NotFound means the key is absent from the backend.
	NotFound
	// AlreadyExists is returned when inserting on a taken key.
	AlreadyExists
	// TypeMismatch means the stored type tag differs from the expected one.
	TypeMismatch
	// Corrupt means the stored bytes do not decode.
	Corrupt
	// Empty is returned by FIFO peek/pop on an empty queue.
	Empty
	// NotAllocated means an optional RootEntry pointer is not set yet.
	NotAllocated
	// StillOwnsObjects is returned when unregistering an Agent with a non-empty ownership list.
	StillOwnsObjects
	// InvalidArgument covers malformed or already registered addresses.
	InvalidArgument
	// AgentDoesNotOwnObject is returned when a non-owner attempts a push.
	AgentDoesNotOwnObject
	// LostConnection means the backend is unreachable. Retryable.
	LostConnection
	// NotLocked means the caller did not hold the lock an operation requires.
	NotLocked
	// NotEmpty means a container or singleton still references something.
	NotEmpty
	// LockTimeout means a bounded lock wait expired. Retryable.
	LockTimeout
	// Unroutable means no rightful container could be determined for an object.
	Unroutable
)

var codeNames = map[ErrorCode]string{
	Unknown:               "Unknown",
	NotFound:              "NotFound",
	AlreadyExists:         "AlreadyExists",
	TypeMismatch:          "TypeMismatch",
	Corrupt:               "Corrupt",
	Empty:                 "Empty",
	NotAllocated:          "NotAllocated",
	StillOwnsObjects:      "StillOwnsObjects",
	InvalidArgument:       "InvalidArgument",
	AgentDoesNotOwnObject: "AgentDoesNotOwnObject",
	LostConnection:        "LostConnection",
	NotLocked:             "NotLocked",
	NotEmpty:              "NotEmpty",
	LockTimeout:           "LockTimeout",
	Unroutable:            "Unroutable",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is the object store custom error. UserData usually carries the address involved.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("%s: %v (%v)", e.Code, e.Err, e.UserData)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is matches any Error carrying the same code, so errors.Is(err, ErrNotFound) works
// regardless of message or user data.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound              = Error{Code: NotFound, Err: errors.New("no such object")}
	ErrAlreadyExists         = Error{Code: AlreadyExists, Err: errors.New("object already exists")}
	ErrTypeMismatch          = Error{Code: TypeMismatch, Err: errors.New("unexpected object type")}
	ErrCorrupt               = Error{Code: Corrupt, Err: errors.New("object does not decode")}
	ErrEmpty                 = Error{Code: Empty, Err: errors.New("container is empty")}
	ErrNotAllocated          = Error{Code: NotAllocated, Err: errors.New("pointer not allocated")}
	ErrStillOwnsObjects      = Error{Code: StillOwnsObjects, Err: errors.New("agent still owns objects")}
	ErrInvalidArgument       = Error{Code: InvalidArgument, Err: errors.New("invalid argument")}
	ErrAgentDoesNotOwnObject = Error{Code: AgentDoesNotOwnObject, Err: errors.New("agent does not own object")}
	ErrLostConnection        = Error{Code: LostConnection, Err: errors.New("backend unreachable")}
	ErrNotLocked             = Error{Code: NotLocked, Err: errors.New("lock not held")}
	ErrNotEmpty              = Error{Code: NotEmpty, Err: errors.New("not empty")}
	ErrLockTimeout           = Error{Code: LockTimeout, Err: errors.New("lock wait timed out")}
	ErrUnroutable            = Error{Code: Unroutable, Err: errors.New("no rightful container")}
)

// NewError builds an Error with a formatted message.
func NewError(code ErrorCode, userData any, format string, args ...any) error {
	return Error{
		Code:     code,
		Err:      fmt.Errorf(format, args...),
		UserData: userData,
	}
}

// WrapError tags err with code unless it already carries an object store code.
func WrapError(code ErrorCode, userData any, err error) error {
	if err == nil {
		return nil
	}
	var e Error
	if errors.As(err, &e) {
		return err
	}
	return Error{Code: code, Err: err, UserData: userData}
}

// CodeOf extracts the ErrorCode carried by err, or Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
