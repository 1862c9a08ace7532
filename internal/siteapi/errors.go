package siteapi

import (
	"errors"
	"fmt"
)

// NetworkError is returned when the request never got an HTTP response:
// dial/DNS failures, resets, timeouts and cancelled contexts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: server unreachable: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is returned when the server answered with a status >= 400.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Code, e.Body)
}

// DecodeError is returned when the server accepted the request with a 2xx
// status but its reply could not be read or decoded. The write happened.
type DecodeError struct {
	Op   string
	Code int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: server returned %d with an unreadable reply: %v", e.Op, e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a network-class failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsClientError reports whether the server rejected the request with a 4xx.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// IsAccepted reports whether err still means the server took the write.
func IsAccepted(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
