package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/apicore/internal/client/interceptor"
	"github.com/dmitrijs2005/apicore/internal/client/pinning"
)

var (
	ErrOffline      = errors.New("offline")
	ErrNetwork      = errors.New("network error")
	ErrHTTP         = errors.New("http error")
	ErrServer       = errors.New("server error")
	ErrTokenExpired = errors.New("session expired")
	ErrDecoding     = errors.New("unexpected response body")

	ErrTrustFailure     = pinning.ErrTrustFailure
	ErrNotAuthenticated = interceptor.ErrNotAuthenticated
)

// OfflineError is returned when a call is attempted without connectivity.
// Queued reports whether it was persisted for replay.
type OfflineError struct {
	Queued bool
}

func (e *OfflineError) Error() string {
	if e.Queued {
		return "offline: request queued"
	}
	return "offline"
}

func (e *OfflineError) Is(target error) bool { return target == ErrOffline }

// NetworkError is a transport failure that outlived the retry budget or
// was not worth retrying.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// HTTPError is a non-2xx response without a structured error payload.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Is(target error) bool { return target == ErrHTTP }

// ServerError is a non-2xx response carrying {"message": ...} or
// {"error": ...}.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

func (e *ServerError) Is(target error) bool { return target == ErrServer }

// DecodingError wraps a body that did not match the expected shape.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string { return "decode response: " + e.Err.Error() }

func (e *DecodingError) Unwrap() []error { return []error{ErrDecoding, e.Err} }

// UserMessage maps an error returned by the client to the text shown to
// the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		offline *OfflineError
		server  *ServerError
		httpErr *HTTPError
	)
	switch {
	case errors.As(err, &offline) && offline.Queued:
		return "Will send when back online."
	case errors.As(err, &offline):
		return "You are offline. Check your connection and try again."
	case errors.Is(err, ErrTrustFailure), errors.Is(err, ErrNetwork):
		return "Cannot reach server."
	case errors.Is(err, ErrTokenExpired):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrNotAuthenticated):
		return "Please sign in."
	case errors.As(err, &server):
		return server.Message
	case errors.As(err, &httpErr):
		return fmt.Sprintf("Request failed (%d).", httpErr.StatusCode)
	case errors.Is(err, ErrDecoding):
		return "Unexpected response from server."
	default:
		return "Something went wrong."
	}
}

// outcome is the metrics label for a finished call.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOffline):
		return "offline"
	case errors.Is(err, ErrTrustFailure):
		return "trust"
	case errors.Is(err, ErrNotAuthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrHTTP):
		return "http"
	case errors.Is(err, ErrDecoding):
		return "decoding"
	default:
		return "canceled"
	}
}
