package domain

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error classification returned over the
// ingestion boundary and used to pick propagation behavior.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnknownDevice      Kind = "unknown_device"
	KindDuplicate          Kind = "duplicate"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindNotificationFailed Kind = "notification_failed"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind to an underlying error.
func WrapErr(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or empty when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
