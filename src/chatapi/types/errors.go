package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Validation, authorization, moderation
// and conflict errors are final; only transient errors are eligible for
// client-side retry.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuthorization     ErrorKind = "authorization"
	KindModerationBlocked ErrorKind = "moderation_blocked"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindTransient         ErrorKind = "transient"
)

type Error struct {
	Kind ErrorKind
	Msg  string
	// Restriction is set for moderation blocks so the caller can show
	// the reason and expiry ("muted until 14:32") instead of a generic
	// failure.
	Restriction *Restriction
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Authorizationf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// ModerationBlocked wraps the restriction that blocked the operation.
func ModerationBlocked(r *Restriction) *Error {
	return &Error{
		Kind:        KindModerationBlocked,
		Msg:         fmt.Sprintf("blocked by %s restriction", r.Type),
		Restriction: r,
	}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report as transient so callers never retry-loop on a typed failure by
// mistake.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// BlockedBy returns the restriction attached to a moderation block, or nil.
func BlockedBy(err error) *Restriction {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindModerationBlocked {
		return e.Restriction
	}
	return nil
}
