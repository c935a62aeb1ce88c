package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the delivery-acknowledgment layer.
type Kind int

// Error kinds
const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindInvalidReference
	KindUnsupportedActivity
	KindPersistenceFailure
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports an absent or tombstoned record where a live one was required.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict reports a duplicate-insert race on a uniqueness constraint.
func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// InvalidReference reports a malformed owner or path key.
func InvalidReference(message string) *Error {
	return &Error{Kind: KindInvalidReference, Message: message}
}

// UnsupportedActivity reports an activity triple with no registered handler.
func UnsupportedActivity(message string) *Error {
	return &Error{Kind: KindUnsupportedActivity, Message: message}
}

// Persistence wraps a store or transport failure. Inbound federation delivery
// must translate this to a non-acknowledgment so the sender retries.
func Persistence(message string, err error) *Error {
	return &Error{Kind: KindPersistenceFailure, Message: message, Err: err}
}

// KindOf returns the kind of err, or 0 if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsInvalidReference reports whether err is an InvalidReference error.
func IsInvalidReference(err error) bool {
	return KindOf(err) == KindInvalidReference
}

// IsUnsupportedActivity reports whether err is an UnsupportedActivity error.
func IsUnsupportedActivity(err error) bool {
	return KindOf(err) == KindUnsupportedActivity
}

// IsPersistence reports whether err is a PersistenceFailure error.
func IsPersistence(err error) bool {
	return KindOf(err) == KindPersistenceFailure
}
