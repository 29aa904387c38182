package funpay

import (
	"errors"
	"fmt"
)

// UnauthorizedError means the golden key was rejected. A run cannot continue
// without re-authenticating.
type UnauthorizedError struct {
	StatusCode int
	URL        string
}

func (e *UnauthorizedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("funpay: unauthorized (http %d)", e.StatusCode)
	}
	return "funpay: unauthorized"
}

// RequestFailedError is a transient request failure: a non-2xx status other
// than 403, or a transport error. Callers may retry.
type RequestFailedError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("funpay: %s %s: http %d", e.Method, e.URL, e.StatusCode)
	}
	if e.Err == nil {
		return fmt.Sprintf("funpay: %s %s failed", e.Method, e.URL)
	}
	return fmt.Sprintf("funpay: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

func IsRequestFailed(err error) bool {
	var re *RequestFailedError
	return errors.As(err, &re)
}
