// Package transport provides the request/response + pub-sub channel the keg
// layer talks to the server over. The concrete implementation is a websocket
// client; consumers depend only on the Transport interface.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkravchenko/kegsync/common"
)

// Routes understood by the server.
const (
	RouteKegCreate     = "kegs/create"
	RouteKegUpdate     = "kegs/update"
	RouteKegGet        = "kegs/get"
	RouteKegDelete     = "kegs/delete"
	RouteKegDigest     = "kegs/digest"
	RouteDigestSeen    = "digest/seen"
	RouteContactLookup = "contacts/lookup"
)

// Events pushed by the server.
const (
	EventKegUpdated = "kegUpdated"
)

// Transport is a request/response + pub-sub channel to the server. All
// calls require an authenticated session; session management belongs to
// the implementation, not to callers.
type Transport interface {
	// Send performs one request and returns the raw response payload.
	Send(ctx context.Context, route string, payload any) (json.RawMessage, error)

	// Subscribe registers a handler for a server-push event. The returned
	// function removes the subscription.
	Subscribe(event string, handler func(json.RawMessage)) (unsubscribe func())

	// Close tears down the connection.
	Close() error
}

// Server error codes carried inside error frames.
const (
	CodeMalformedRequest = 400
	CodeUnauthorized     = 401
	CodeNotFound         = 404
)

// ServerError is an error frame returned by the server. It unwraps to the
// matching sentinel in common so callers can branch with errors.Is.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error {
	switch e.Code {
	case CodeMalformedRequest:
		return common.ErrMalformedRequest
	case CodeUnauthorized:
		return common.ErrUnauthorized
	case CodeNotFound:
		return common.ErrNotFound
	default:
		return nil
	}
}
