package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig matches every *ConfigError.
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrDisconnected     = errors.New("session was disconnected")
	ErrMissingRunID     = errors.New("run id is required")
	ErrInvalidMode      = errors.New("invalid continuation mode")
	ErrInvalidRole      = errors.New("invalid message role")
)

// ConfigError reports a connect parameter or option that can never succeed.
// It is returned before any network call and is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// CloseError describes how the transport was closed by the remote side.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// HandshakeError is returned when the server answered the upgrade request
// with a non-101 status, e.g. 401 for an expired token.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
