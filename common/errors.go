// Package common defines shared constants and sentinel errors used across
// the kegsync packages. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Transport-level errors.
	ErrNotFound         = errors.New("not found")
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnavailable      = errors.New("server unavailable")
	ErrUnauthorized     = errors.New("unauthorized")

	// Flow-control errors.
	ErrTimeout  = errors.New("timed out")
	ErrInternal = errors.New("internal error")
)
