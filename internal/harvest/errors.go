package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the coarse failure classification recorded on artifacts.
type ErrorKind string

// ErrorKind values. Transient and storage failures are retryable;
// not-found and validation failures are terminal regardless of the
// remaining attempt budget.
const (
	ErrKindNone             ErrorKind = ""
	ErrKindTransientNetwork ErrorKind = "transient_network"
	ErrKindNotFound         ErrorKind = "permanent_not_found"
	ErrKindValidation       ErrorKind = "permanent_validation"
	ErrKindStorage          ErrorKind = "storage_failure"
)

// Ledger sentinel errors.
var (
	ErrNotFound       = errors.New("artifact not found")
	ErrTerminalState  = errors.New("artifact is in a terminal state")
	ErrLocalNameTaken = errors.New("local name already used for this parent")
)

// FetchError reports a non-success HTTP status or transport failure for
// a specific URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError reports a content-store operation failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError reports malformed or unexpected content.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// Classify maps an attempt error to its kind and retryability. Unknown
// errors are treated as transient so a passing network blip never
// abandons a target permanently.
func Classify(err error) (ErrorKind, bool) {
	if err == nil {
		return ErrKindNone, false
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return ErrKindValidation, false
	}

	var serr *StorageError
	if errors.As(err, &serr) {
		return ErrKindStorage, true
	}

	var ferr *FetchError
	if errors.As(err, &ferr) && ferr.StatusCode != 0 {
		switch {
		case ferr.StatusCode == http.StatusNotFound || ferr.StatusCode == http.StatusGone:
			return ErrKindNotFound, false
		case ferr.StatusCode == http.StatusTooManyRequests:
			return ErrKindTransientNetwork, true
		case ferr.StatusCode >= 500:
			return ErrKindTransientNetwork, true
		default:
			return ErrKindValidation, false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransientNetwork, true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return ErrKindTransientNetwork, true
	}
	return ErrKindTransientNetwork, true
}
