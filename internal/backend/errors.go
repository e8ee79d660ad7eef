package backend

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation rejected")
)

// NetworkError is a transport-level failure: the request never produced an HTTP answer.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError carries a non-2xx answer. Kind is one of the sentinels above, or nil.
type StatusError struct {
	Op     string
	Status int
	Detail string
	Kind   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

func (e *StatusError) Unwrap() error { return e.Kind }

func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Retryable is true for transport failures and 5xx answers.
func Retryable(err error) bool {
	if IsNetwork(err) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 500
}
