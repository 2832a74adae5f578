package domain

import (
	"errors"
	"fmt"
)

var (
	ErrServiceNotFound    = errors.New("service not found")
	ErrServiceExists      = errors.New("service already exists")
	ErrEmptyServiceName   = errors.New("service name is empty")
	ErrIncompleteIdentity = errors.New("access token set without account id")
	ErrTokenRejected      = errors.New("token rejected by platform")
	ErrAuthorizationAbort = errors.New("authorization aborted")
	ErrObserverNotFound   = errors.New("observer not found")
	ErrRateLimited        = errors.New("chat rate limit exceeded")
	ErrChatOffline        = errors.New("chat temporarily unavailable")
)

// AuthenticationError means a service's session could not be established.
// It is fatal for that service only.
type AuthenticationError struct {
	Service string
	Reason  string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %q: %s: %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed for %q: %s", e.Service, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// PlatformRequestError is a non-success HTTP response from a platform API.
type PlatformRequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *PlatformRequestError) Error() string {
	return fmt.Sprintf("%s: platform returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// TransportError means the push-event connection was lost.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedInputError is a bad observer payload.
type MalformedInputError struct {
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed input: %s: %v", e.Reason, e.Err)
	}
	return "malformed input: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return e.Err }
