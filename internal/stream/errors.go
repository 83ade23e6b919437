package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fetch failures so the boundary can render them
// distinctly (a quota denial gets a "resets tomorrow" message instead of
// "try again").
type ErrorKind string

const (
	ErrTransient  ErrorKind = "transient"
	ErrAuth       ErrorKind = "auth"
	ErrQuota      ErrorKind = "quota"
	ErrValidation ErrorKind = "validation"
)

// Error is a classified platform fetch error.
type Error struct {
	Kind     ErrorKind
	Platform Platform
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and platform. err may be nil.
func NewError(kind ErrorKind, platform Platform, msg string, err error) *Error {
	return &Error{Kind: kind, Platform: platform, Msg: msg, Err: err}
}

// KindOf returns the classification of err, defaulting to ErrTransient for
// anything unclassified (network failures, 5xx, decode errors).
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransient
}

// IsQuota reports whether err is a quota denial.
func IsQuota(err error) bool { return err != nil && KindOf(err) == ErrQuota }

// IsAuth reports whether err is an expired or invalid credential.
func IsAuth(err error) bool { return err != nil && KindOf(err) == ErrAuth }
