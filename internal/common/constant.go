// Package common contains shared constants and small helpers used across
// the client core.
package common

// Header names stamped on every outgoing request.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderNonce         = "X-Nonce"
	HeaderTimestamp     = "X-Timestamp"
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"
)

// ContentTypeJSON is used both for request bodies and the Accept header.
const ContentTypeJSON = "application/json"

// NonceSize is the number of random bytes in X-Nonce before base64 encoding.
const NonceSize = 32
