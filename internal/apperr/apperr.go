// Package apperr defines the error taxonomy shared by every agenthub component.
//
// Errors carry a Kind so the API layer can classify any failure without
// inspecting message text. Sentinels such as ErrNotFound match any *Error of
// the same kind through errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfig          Kind = "config"
	KindIdentity        Kind = "identity"
	KindMountVisibility Kind = "mount_visibility"
	KindBuild           Kind = "build"
	KindLaunch          Kind = "launch"
	KindCrashDetected   Kind = "crash_detected"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindMigration       Kind = "migration"
	KindInternal        Kind = "internal"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

var (
	ErrConfig          = &Error{Kind: KindConfig}
	ErrIdentity        = &Error{Kind: KindIdentity}
	ErrMountVisibility = &Error{Kind: KindMountVisibility}
	ErrBuild           = &Error{Kind: KindBuild}
	ErrLaunch          = &Error{Kind: KindLaunch}
	ErrCrashDetected   = &Error{Kind: KindCrashDetected}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrMigration       = &Error{Kind: KindMigration}
)

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(format string, args ...any) *Error {
	return New(KindConfig, "", format, args...)
}

func Identity(format string, args ...any) *Error {
	return New(KindIdentity, "", format, args...)
}

func MountVisibility(format string, args ...any) *Error {
	return New(KindMountVisibility, "", format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, "", format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, "", format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Classify returns err unchanged when it already carries a kind, otherwise it
// wraps it with the fallback kind.
func Classify(err error, fallback Kind, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(fallback, op, err)
}
