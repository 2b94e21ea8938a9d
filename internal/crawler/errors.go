package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound signals that the requested task or artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput rejects a submission before a task is created.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQueueFull is returned when no worker capacity is available.
	ErrQueueFull = errors.New("task queue full")
)

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind string

// Fetch failure classes.
const (
	FetchErrNetwork   FetchErrorKind = "network"
	FetchErrTimeout   FetchErrorKind = "timeout"
	FetchErrStatus    FetchErrorKind = "status"
	FetchErrMalformed FetchErrorKind = "malformed"
)

// FetchError is the normalized failure returned by Fetcher implementations.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchErrStatus {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s error", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError classifies err for rawURL. A non-zero statusCode outside the
// 2xx range always yields FetchErrStatus.
func NewFetchError(rawURL string, statusCode int, err error) *FetchError {
	fe := &FetchError{URL: rawURL, StatusCode: statusCode, Err: err}
	var netErr net.Error
	switch {
	case statusCode != 0 && (statusCode < 200 || statusCode >= 300):
		fe.Kind = FetchErrStatus
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = FetchErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = FetchErrTimeout
	default:
		fe.Kind = FetchErrNetwork
	}
	return fe
}

// IsFetchError reports whether err is (or wraps) a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
