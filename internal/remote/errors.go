package remote

import (
	"errors"
	"fmt"
)

// ErrConflict signals the remote's state disagrees with the device's cached
// view, for example a decrement that would take a lot below zero. The caller
// must re-fetch lots and recompute before trying again.
var ErrConflict = errors.New("remote store conflict")

// ValidationError means the remote permanently rejected the request as
// malformed. Retrying the same payload will never succeed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected request: %s", e.Reason)
}

// TransientError wraps timeouts, network failures and remote overload. The
// operation may succeed if retried later.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
