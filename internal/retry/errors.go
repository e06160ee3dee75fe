// Package retry classifies cloud errors and retries transient ones with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry purposes.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err was classified permanent.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindPermanent
	}
	return false
}

// IsTransient reports whether err should be retried.
// Context cancellation is never retried; deadline expiry is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}
