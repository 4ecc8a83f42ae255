// Package memerr defines the error taxonomy shared by the conversation
// memory stores and the manager. Foreground read operations return these
// typed errors so callers can tell "never existed" apart from "cleaned
// up"; background maintenance logs them and moves on.
package memerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with [errors.Is].
var (
	// ErrNotFound matches any [*NotFoundError].
	ErrNotFound = errors.New("not found")
	// ErrExpired matches any [*ExpiredError].
	ErrExpired = errors.New("expired")
	// ErrCorrupt matches any [*CorruptSessionError].
	ErrCorrupt = errors.New("corrupt session")
	// ErrStorage matches any [*StorageError].
	ErrStorage = errors.New("storage failure")
)

// Kinds of things a [NotFoundError] can describe.
const (
	KindSession = "session"
	KindContent = "content"
	KindSection = "section"
)

// StorageError reports a failed disk or database operation.
type StorageError struct {
	Op   string // "write", "read", "rename", "delete", "index", ...
	Path string // file path or table, may be empty
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrStorage].
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err in a [*StorageError]. Returns nil if err is nil.
func Storage(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// NotFoundError reports an unknown session, content id, or section.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is reports whether target is [ErrNotFound].
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a [*NotFoundError] for the given kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ExpiredError reports content that existed but is past its TTL.
type ExpiredError struct {
	ID        string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return fmt.Sprintf("content %q expired", e.ID)
	}
	return fmt.Sprintf("content %q expired at %s", e.ID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// Is reports whether target is [ErrExpired].
func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// CorruptSessionError reports a session file that could not be decoded
// or failed validation. QuarantinePath is set once the file has been
// moved aside.
type CorruptSessionError struct {
	ID             string
	Path           string
	QuarantinePath string
	Err            error
}

func (e *CorruptSessionError) Error() string {
	msg := fmt.Sprintf("corrupt session file %s: %v", e.Path, e.Err)
	if e.QuarantinePath != "" {
		msg += " (quarantined to " + e.QuarantinePath + ")"
	}
	return msg
}

func (e *CorruptSessionError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrCorrupt].
func (e *CorruptSessionError) Is(target error) bool { return target == ErrCorrupt }
